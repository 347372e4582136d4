// Package registry loads, verifies and holds the set of deployable deception
// asset descriptors.
package registry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/faults"
	"boundary-deception/internal/metrics"
	"boundary-deception/internal/topology"
)

// Rejection records why a descriptor file was not admitted.
type Rejection struct {
	File    string      `json:"file"`
	AssetID string      `json:"asset_id,omitempty"`
	Reason  faults.Kind `json:"reason"`
	Detail  string      `json:"detail"`
}

// LoadResult is the outcome of loading a descriptor directory.
type LoadResult struct {
	Dir        string              `json:"dir"`
	LoadedAt   time.Time           `json:"loaded_at"`
	Verified   []*asset.Descriptor `json:"verified"`
	Rejections []Rejection         `json:"rejections"`
}

// Config holds registry settings.
type Config struct {
	Dir            string        `yaml:"dir"`
	PublicKeyPath  string        `yaml:"public_key_path"`
	Workers        int           `yaml:"workers"`
	OverlapTimeout time.Duration `yaml:"overlap_timeout"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Dir:            "/etc/deception/assets",
		PublicKeyPath:  "/etc/deception/keys/descriptor.pub",
		Workers:        4,
		OverlapTimeout: 5 * time.Second,
	}
}

// Registry verifies descriptors and keeps the last successfully loaded set.
type Registry struct {
	key     ed25519.PublicKey
	schema  *asset.Schema
	guard   *topology.Guard
	workers int
	logger  *slog.Logger

	mu     sync.RWMutex
	assets map[string]*asset.Descriptor
	last   *LoadResult
}

// New creates a Registry that trusts key and checks footprints with guard.
func New(key ed25519.PublicKey, guard *topology.Guard, workers int, logger *slog.Logger) *Registry {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		key:     key,
		schema:  asset.NewSchema(),
		guard:   guard,
		workers: workers,
		logger:  logger,
		assets:  make(map[string]*asset.Descriptor),
	}
}

// Load reads every descriptor file in dir and admits the ones that pass all
// checks. Individual rejections never abort the batch; only an unreadable
// directory returns an error. A successful load replaces the held set.
func (r *Registry) Load(ctx context.Context, dir string) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read descriptor directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !asset.IsDescriptorFile(entry.Name()) {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	type outcome struct {
		desc      *asset.Descriptor
		rejection *Rejection
	}
	outcomes := make([]outcome, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, name := range files {
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				outcomes[i].rejection = &Rejection{
					File:   name,
					Reason: faults.KindSchemaInvalid,
					Detail: fmt.Sprintf("read file: %v", err),
				}
				return nil
			}
			outcomes[i].desc, outcomes[i].rejection = r.Verify(gctx, name, data)
			return nil
		})
	}
	_ = g.Wait()

	result := &LoadResult{Dir: dir, LoadedAt: time.Now().UTC()}
	seen := make(map[string]string)
	counts := make(map[string]int)

	for i, o := range outcomes {
		rej := o.rejection
		if rej == nil {
			if first, dup := seen[o.desc.AssetID]; dup {
				rej = &Rejection{
					File:    files[i],
					AssetID: o.desc.AssetID,
					Reason:  faults.KindSchemaInvalid,
					Detail:  fmt.Sprintf("duplicate asset_id, first declared in %s", first),
				}
			}
		}
		if rej != nil {
			result.Rejections = append(result.Rejections, *rej)
			counts[string(rej.Reason)]++
			r.logRejection(rej)
			continue
		}
		seen[o.desc.AssetID] = files[i]
		result.Verified = append(result.Verified, o.desc)
	}

	assets := make(map[string]*asset.Descriptor, len(result.Verified))
	for _, d := range result.Verified {
		assets[d.AssetID] = d
	}

	r.mu.Lock()
	r.assets = assets
	r.last = result
	r.mu.Unlock()

	metrics.ObserveRegistryLoad(len(result.Verified), counts)
	r.logger.Info("loaded deception assets",
		"dir", dir,
		"verified", len(result.Verified),
		"rejected", len(result.Rejections),
	)
	return result, nil
}

// Verify runs the admission checks on one descriptor file: parse, allow-list,
// schema, signature and production overlap, in that order.
func (r *Registry) Verify(ctx context.Context, name string, data []byte) (*asset.Descriptor, *Rejection) {
	d, err := asset.Parse(name, data)
	if err != nil {
		return nil, rejection(name, "", err)
	}

	if !d.AssetType.Valid() {
		if d.AssetType.Forbidden() {
			r.logger.Error("scope creep attempt: forbidden asset type",
				"file", name, "asset_id", d.AssetID, "asset_type", d.AssetType)
		}
		err := faults.Newf(faults.KindDisallowedAssetType, "registry.Verify", d.AssetID,
			"asset_type %q is not deployable", d.AssetType)
		if d.AssetType == "" {
			err = faults.Newf(faults.KindSchemaInvalid, "registry.Verify", d.AssetID, "asset_type is required")
		}
		return nil, rejection(name, d.AssetID, err)
	}

	if err := r.schema.Validate(d); err != nil {
		return nil, rejection(name, d.AssetID, err)
	}

	if err := d.Verify(r.key); err != nil {
		return nil, rejection(name, d.AssetID, err)
	}

	if err := r.guard.Check(ctx, d.AssetID, d.Footprint); err != nil {
		return nil, rejection(name, d.AssetID, err)
	}

	return d, nil
}

func rejection(file, assetID string, err error) *Rejection {
	kind := faults.KindOf(err)
	if kind == "" {
		kind = faults.KindSchemaInvalid
	}
	detail := err.Error()
	var fe *faults.Error
	if errors.As(err, &fe) && fe.Err != nil {
		detail = fe.Err.Error()
	}
	return &Rejection{File: file, AssetID: assetID, Reason: kind, Detail: detail}
}

func (r *Registry) logRejection(rej *Rejection) {
	r.logger.Warn("descriptor rejected",
		"file", rej.File, "asset_id", rej.AssetID, "reason", rej.Reason, "detail", rej.Detail)
}

// Get returns the verified descriptor with the given id.
func (r *Registry) Get(assetID string) (*asset.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.assets[assetID]
	return d, ok
}

// All returns the verified descriptors sorted by asset id.
func (r *Registry) All() []*asset.Descriptor {
	r.mu.RLock()
	out := make([]*asset.Descriptor, 0, len(r.assets))
	for _, d := range r.assets {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// Rejections returns the rejection report of the last load.
func (r *Registry) Rejections() []Rejection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	return append([]Rejection(nil), r.last.Rejections...)
}

// LastLoad returns the result of the last load, or nil.
func (r *Registry) LastLoad() *LoadResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
