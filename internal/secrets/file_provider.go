package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// maxSecretFileSize bounds what a file: reference may read.
const maxSecretFileSize = 64 << 10

// FileProvider retrieves secrets from files, typically container secret
// mounts. Relative keys resolve under the base directory; absolute keys are
// read as-is.
type FileProvider struct {
	baseDir string
	logger  *slog.Logger
}

// NewFileProvider creates a file-based secret provider.
func NewFileProvider(baseDir string, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProvider{baseDir: baseDir, logger: logger}
}

// Name returns the provider scheme.
func (f *FileProvider) Name() string {
	return SchemeFile
}

// Get reads the secret file named by key, trimming trailing newlines.
func (f *FileProvider) Get(_ context.Context, key string) (*Secret, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat secret file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("secret path %s is a directory", path)
	}
	if info.Size() > maxSecretFileSize {
		return nil, fmt.Errorf("secret file %s exceeds %d bytes", path, maxSecretFileSize)
	}
	if info.Mode().Perm()&0o007 != 0 {
		f.logger.Warn("secret file is world-accessible", "path", path, "mode", info.Mode().Perm().String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	return &Secret{
		Value:    strings.TrimRight(string(data), "\r\n"),
		Version:  1,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}

// Close is a no-op.
func (f *FileProvider) Close() error {
	return nil
}

// HealthCheck verifies the base directory exists.
func (f *FileProvider) HealthCheck(context.Context) error {
	info, err := os.Stat(f.baseDir)
	if err != nil {
		return fmt.Errorf("cannot access secrets directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("secrets path is not a directory: %s", f.baseDir)
	}
	return nil
}

func (f *FileProvider) path(key string) (string, error) {
	if filepath.IsAbs(key) {
		return filepath.Clean(key), nil
	}
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("secret file reference %q escapes %s", key, f.baseDir)
	}
	return filepath.Join(f.baseDir, key), nil
}
