package sandbox

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/faults"
)

// Interaction types reported by host agents for lures.
const (
	InteractionCredentialLureTouched = "credential_lure_touched"
	InteractionFileLureAccessed      = "file_lure_accessed"
)

// LureFile is a bait file placed under the lure root. Credential lures hold
// fabricated credentials for a decoy principal.
type LureFile struct {
	actions    *Actions
	path       string
	principal  string
	credential bool
	note       string

	mu      sync.Mutex
	written bool
}

// ResolveLurePath joins rel onto root and refuses results outside root.
func ResolveLurePath(root, rel string) (string, error) {
	if root == "" {
		return "", errors.New("lure root is not configured")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("lure path %q is absolute", rel)
	}
	full := filepath.Join(absRoot, rel)
	if full == absRoot || !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("lure path %q escapes the lure root", rel)
	}
	return full, nil
}

// NewLureFile creates a lure runtime for d under root.
func NewLureFile(actions *Actions, root string, d *asset.Descriptor) (*LureFile, error) {
	path, err := ResolveLurePath(root, d.Footprint.Path)
	if err != nil {
		return nil, faults.New(faults.KindSafetyInvariantViolation, "sandbox.NewLureFile", d.AssetID, err)
	}
	return &LureFile{
		actions:    actions,
		path:       path,
		principal:  d.Footprint.Principal,
		credential: d.AssetType == asset.TypeCredentialLure,
		note:       d.Metadata.Description,
	}, nil
}

// Start writes the lure. An existing file is never overwritten.
func (l *LureFile) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.written {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create lure directory: %w", err)
	}

	content, err := l.content()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return faults.Newf(faults.KindSafetyInvariantViolation, "sandbox.LureFile.Start", l.actions.AssetID(),
				"refusing to overwrite existing file at lure path")
		}
		return fmt.Errorf("create lure: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("write lure: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lure: %w", err)
	}

	l.written = true
	l.actions.logger.Info("lure placed", "path", l.path, "credential", l.credential)
	return nil
}

// Endpoint returns the lure's absolute path.
func (l *LureFile) Endpoint() string {
	return l.path
}

// Execute handles lure teardown actions.
func (l *LureFile) Execute(_ context.Context, action asset.Action) error {
	switch action {
	case asset.ActionDeleteFile:
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete lure: %w", err)
		}
		return nil
	case asset.ActionRemoveCredential:
		if !l.credential {
			return ErrUnsupportedAction
		}
		// Scrub the fabricated secret in place before the file is deleted.
		if err := os.Truncate(l.path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove credential: %w", err)
		}
		return nil
	case asset.ActionStopService, asset.ActionRemoveListener:
		return ErrUnsupportedAction
	default:
		return ErrUnsupportedAction
	}
}

func (l *LureFile) content() ([]byte, error) {
	if l.credential {
		keyID, err := randomString("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", 16)
		if err != nil {
			return nil, err
		}
		secret, err := randomString("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/", 40)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("[%s]\naws_access_key_id = AKIA%s\naws_secret_access_key = %s\n",
			l.principal, keyID, secret)), nil
	}

	token, err := randomString("abcdef0123456789", 32)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if l.note != "" {
		fmt.Fprintf(&b, "# %s\n", l.note)
	}
	fmt.Fprintf(&b, "backup_token=%s\n", token)
	return []byte(b.String()), nil
}

func randomString(alphabet string, n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate lure content: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
