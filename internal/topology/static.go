package topology

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"

	"boundary-deception/internal/asset"
)

// DefaultProductionPorts are service ports assumed to carry production traffic.
var DefaultProductionPorts = []int{22, 80, 443, 3306, 5432, 6379, 8080, 8443}

// StaticConfig describes production surfaces known without a live scan.
type StaticConfig struct {
	Ports      []int    `yaml:"ports"`
	CIDRs      []string `yaml:"cidrs"`
	Principals []string `yaml:"principals"`
	Paths      []string `yaml:"paths"`
}

// DefaultStaticConfig returns the default static topology.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		Ports: append([]int(nil), DefaultProductionPorts...),
	}
}

// StaticScanner checks footprints against a fixed production inventory.
type StaticScanner struct {
	ports      map[int]bool
	prefixes   []netip.Prefix
	principals map[string]bool
	paths      []string
}

// NewStaticScanner creates a StaticScanner from cfg.
func NewStaticScanner(cfg StaticConfig) (*StaticScanner, error) {
	s := &StaticScanner{
		ports:      make(map[int]bool, len(cfg.Ports)),
		principals: make(map[string]bool, len(cfg.Principals)),
	}
	for _, p := range cfg.Ports {
		s.ports[p] = true
	}
	for _, c := range cfg.CIDRs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid production CIDR %q: %w", c, err)
		}
		s.prefixes = append(s.prefixes, prefix.Masked())
	}
	for _, p := range cfg.Principals {
		s.principals[strings.ToLower(p)] = true
	}
	for _, p := range cfg.Paths {
		s.paths = append(s.paths, filepath.Clean(p))
	}
	return s, nil
}

// QueryOverlap implements Scanner.
func (s *StaticScanner) QueryOverlap(_ context.Context, fp asset.Footprint) (bool, error) {
	for _, p := range fp.Ports {
		if s.ports[p] {
			return true, nil
		}
	}

	if fp.Address != "" {
		addr, err := netip.ParseAddr(fp.Address)
		if err != nil {
			return false, fmt.Errorf("invalid footprint address %q: %w", fp.Address, err)
		}
		for _, prefix := range s.prefixes {
			if prefix.Contains(addr) {
				return true, nil
			}
		}
	}

	if fp.Principal != "" && s.principals[strings.ToLower(fp.Principal)] {
		return true, nil
	}

	if fp.Path != "" {
		clean := filepath.Clean(fp.Path)
		for _, p := range s.paths {
			if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
				return true, nil
			}
		}
	}

	return false, nil
}
