// Package startup runs preflight diagnostics before the deception core
// deploys anything.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"boundary-deception/internal/config"
	"boundary-deception/internal/security/signing"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger

	// listen is replaced in tests.
	listen func(network, address string) (net.Listener, error)
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:    cfg,
		logger: logger,
		listen: net.Listen,
	}
}

// RunAll runs every check and returns the results in order. Checks never
// stop early; use HasErrors to decide whether to continue.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkKeys()
	d.checkDirectories()
	d.checkMappings()
	d.checkListeners(ctx)
	d.checkExposure()

	d.logSummary()
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

func (d *Diagnostics) checkKeys() {
	pubPath := d.cfg.Registry.PublicKeyPath
	if _, err := signing.LoadPublicKey(pubPath); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "key_descriptor",
			Status:  StatusError,
			Message: fmt.Sprintf("Descriptor verification key unusable: %s", err),
			Details: map[string]string{"path": pubPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "key_descriptor",
			Status:  StatusOK,
			Message: "Descriptor verification key loaded",
			Details: map[string]string{"path": pubPath},
		})
	}

	privPath := d.cfg.Signing.SignalPrivateKeyPath
	if _, err := signing.LoadPrivateKey(privPath); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "key_signal",
			Status:  StatusError,
			Message: fmt.Sprintf("Signal signing key unusable: %s", err),
			Details: map[string]string{"path": privPath},
		})
		return
	}

	result := DiagnosticResult{
		Name:    "key_signal",
		Status:  StatusOK,
		Message: "Signal signing key loaded",
		Details: map[string]string{"path": privPath},
	}
	if info, err := os.Stat(privPath); err == nil && info.Mode().Perm()&0o077 != 0 {
		result.Status = StatusWarning
		result.Message = "Signal signing key is readable by group or others"
		result.Details["mode"] = info.Mode().Perm().String()
	}
	d.addResult(result)
}

func (d *Diagnostics) checkDirectories() {
	assetDir := d.cfg.Registry.Dir
	info, err := os.Stat(assetDir)
	switch {
	case err != nil:
		d.addResult(DiagnosticResult{
			Name:    "directory_assets",
			Status:  StatusError,
			Message: fmt.Sprintf("Descriptor directory unreadable: %s", err),
			Details: map[string]string{"path": assetDir},
		})
	case !info.IsDir():
		d.addResult(DiagnosticResult{
			Name:    "directory_assets",
			Status:  StatusError,
			Message: "Path exists but is not a directory",
			Details: map[string]string{"path": assetDir},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "directory_assets",
			Status:  StatusOK,
			Message: "Directory exists",
			Details: map[string]string{"path": assetDir},
		})
	}

	d.checkWritableDir("directory_lures", "Lure root", d.cfg.Sandbox.LureRoot, 0o750)
	if d.cfg.Audit.Enabled {
		d.checkWritableDir("directory_audit", "Audit directory", d.cfg.Audit.Dir, 0o700)
	}
}

// checkWritableDir creates path if needed and probes it with a temp file.
func (d *Diagnostics) checkWritableDir(name, label, path string, perm os.FileMode) {
	if err := os.MkdirAll(path, perm); err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("Failed to create %s: %s", strings.ToLower(label), err),
			Details: map[string]string{"path": path},
		})
		return
	}
	probe, err := os.CreateTemp(path, ".preflight-*")
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("%s is not writable: %s", label, err),
			Details: map[string]string{"path": path},
		})
		return
	}
	probe.Close()
	os.Remove(probe.Name())
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: label + " is writable",
		Details: map[string]string{"path": path},
	})
}

func (d *Diagnostics) checkMappings() {
	path := d.cfg.Response.MappingsPath
	if !fileExists(path) {
		d.addResult(DiagnosticResult{
			Name:    "playbook_mappings",
			Status:  StatusWarning,
			Message: "Mapping file not found, every signal will resolve to no action",
			Details: map[string]string{"path": path},
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "playbook_mappings",
		Status:  StatusOK,
		Message: "Mapping file found",
		Details: map[string]string{"path": filepath.Clean(path)},
	})
}

func (d *Diagnostics) checkListeners(ctx context.Context) {
	listeners := []struct{ name, addr string }{
		{"visibility", d.cfg.Server.VisibilityAddr},
		{"control", d.cfg.Server.ControlAddr},
	}
	for _, l := range listeners {
		if ctx.Err() != nil {
			d.addResult(DiagnosticResult{
				Name:   "listener_" + l.name,
				Status: StatusSkipped,
			})
			continue
		}
		ln, err := d.listen("tcp", l.addr)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    "listener_" + l.name,
				Status:  StatusError,
				Message: fmt.Sprintf("Address %s is not available: %s", l.addr, err),
				Details: map[string]string{"address": l.addr},
			})
			continue
		}
		ln.Close()
		d.addResult(DiagnosticResult{
			Name:    "listener_" + l.name,
			Status:  StatusOK,
			Message: fmt.Sprintf("Address %s is available", l.addr),
			Details: map[string]string{"address": l.addr},
		})
	}
}

// checkExposure warns when the control listener accepts writes from beyond
// the host without authentication or TLS.
func (d *Diagnostics) checkExposure() {
	addr := d.cfg.Server.ControlAddr
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		d.addResult(DiagnosticResult{Name: "control_exposure", Status: StatusSkipped})
		return
	}

	ip := net.ParseIP(host)
	loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
	tls := d.cfg.Server.TLSCertFile != "" && d.cfg.Server.TLSKeyFile != ""

	switch {
	case !d.cfg.Auth.Enabled:
		d.addResult(DiagnosticResult{
			Name:    "control_exposure",
			Status:  StatusWarning,
			Message: "Control listener authentication is disabled",
			Details: map[string]string{"address": addr},
		})
	case !loopback && !tls:
		d.addResult(DiagnosticResult{
			Name:    "control_exposure",
			Status:  StatusWarning,
			Message: "Control listener is reachable off-host without TLS",
			Details: map[string]string{"address": addr},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "control_exposure",
			Status:  StatusOK,
			Details: map[string]string{"address": addr},
		})
	}
}

func (d *Diagnostics) logSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)
	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
