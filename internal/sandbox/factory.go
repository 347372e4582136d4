package sandbox

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/faults"
)

// Config holds sandbox runtime settings.
type Config struct {
	// BindHost overrides the footprint address for listeners when set.
	BindHost         string        `yaml:"bind_host"`
	LureRoot         string        `yaml:"lure_root"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	InteractionRate  float64       `yaml:"interaction_rate"`
	InteractionBurst int           `yaml:"interaction_burst"`
}

// DefaultConfig returns the default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		LureRoot:         "/var/lib/deception/lures",
		ReadTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		InteractionRate:  5,
		InteractionBurst: 20,
	}
}

// Factory builds runtimes for verified descriptors.
type Factory struct {
	config   Config
	reporter Reporter
	logger   *slog.Logger
}

// NewFactory creates a new Factory. Runtimes report interactions to reporter.
func NewFactory(cfg Config, reporter Reporter, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{config: cfg, reporter: reporter, logger: logger}
}

// EffectiveFootprint returns the footprint a runtime for d actually
// occupies. Decoy listeners bind to BindHost when it is set.
func (f *Factory) EffectiveFootprint(d *asset.Descriptor) asset.Footprint {
	fp := d.Footprint
	if f.config.BindHost == "" {
		return fp
	}
	switch d.AssetType {
	case asset.TypeDecoyHost, asset.TypeDecoyService:
		fp.Address = f.config.BindHost
	}
	return fp
}

// Provision returns an unstarted runtime for d.
func (f *Factory) Provision(d *asset.Descriptor) (Runtime, error) {
	actions := NewActions(d.AssetID, f.reporter, rate.Limit(f.config.InteractionRate), f.config.InteractionBurst, f.logger)

	switch d.AssetType {
	case asset.TypeDecoyHost, asset.TypeDecoyService:
		addrs := listenAddrs(f.EffectiveFootprint(d).Address, d.Footprint.Ports)

		switch d.Footprint.Protocol {
		case asset.ProtocolTCP:
			return NewTCPDecoy(actions, addrs, f.config.ReadTimeout), nil
		case asset.ProtocolDTLS:
			rt, err := NewDTLSDecoy(actions, addrs, f.config.HandshakeTimeout)
			if err != nil {
				return nil, err
			}
			return rt, nil
		case asset.ProtocolSSH:
			rt, err := NewSSHDecoy(actions, addrs, f.config.HandshakeTimeout)
			if err != nil {
				return nil, err
			}
			return rt, nil
		default:
			return nil, fmt.Errorf("unsupported decoy protocol %q", d.Footprint.Protocol)
		}
	case asset.TypeCredentialLure, asset.TypeFilesystemLure:
		rt, err := NewLureFile(actions, f.config.LureRoot, d)
		if err != nil {
			return nil, err
		}
		return rt, nil
	default:
		return nil, faults.Newf(faults.KindSafetyInvariantViolation, "sandbox.Provision", d.AssetID,
			"asset_type %q has no runtime", d.AssetType)
	}
}
