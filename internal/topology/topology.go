// Package topology checks asset footprints against the production network
// topology. Every failure to get an answer is treated as an overlap.
package topology

import (
	"context"
	"errors"
	"fmt"
	"time"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/faults"
)

// Scanner answers whether a footprint intersects production.
type Scanner interface {
	QueryOverlap(ctx context.Context, fp asset.Footprint) (bool, error)
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, fp asset.Footprint) (bool, error)

// QueryOverlap calls f.
func (f ScannerFunc) QueryOverlap(ctx context.Context, fp asset.Footprint) (bool, error) {
	return f(ctx, fp)
}

// ErrScannerTimeout indicates the scanner did not answer within the bound.
var ErrScannerTimeout = errors.New("topology scanner timeout")

// Guard bounds scanner calls with a timeout and fails closed.
type Guard struct {
	scanner Scanner
	timeout time.Duration
}

// NewGuard creates a Guard. A non-positive timeout defaults to 5 seconds.
func NewGuard(scanner Scanner, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guard{scanner: scanner, timeout: timeout}
}

// Check returns nil only when the scanner positively reports no overlap in
// time. Overlap, scanner errors and timeouts return a ProductionOverlap error.
func (g *Guard) Check(ctx context.Context, assetID string, fp asset.Footprint) error {
	const op = "topology.Check"

	if g == nil || g.scanner == nil {
		return faults.Newf(faults.KindProductionOverlap, op, assetID, "no topology scanner configured")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		overlap bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		overlap, err := g.scanner.QueryOverlap(ctx, fp)
		done <- result{overlap, err}
	}()

	select {
	case <-ctx.Done():
		return faults.New(faults.KindProductionOverlap, op, assetID,
			fmt.Errorf("%w after %v", ErrScannerTimeout, g.timeout))
	case r := <-done:
		if r.err != nil {
			return faults.New(faults.KindProductionOverlap, op, assetID, fmt.Errorf("scanner error: %w", r.err))
		}
		if r.overlap {
			return faults.Newf(faults.KindProductionOverlap, op, assetID, "footprint intersects production")
		}
		return nil
	}
}

// Multi reports overlap when any of its scanners does. The first error wins.
type Multi []Scanner

// QueryOverlap implements Scanner.
func (m Multi) QueryOverlap(ctx context.Context, fp asset.Footprint) (bool, error) {
	for _, s := range m {
		overlap, err := s.QueryOverlap(ctx, fp)
		if err != nil {
			return false, err
		}
		if overlap {
			return true, nil
		}
	}
	return false, nil
}
