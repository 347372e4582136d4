package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"boundary-deception/internal/control"
)

func remoteFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "control-url", Value: "http://127.0.0.1:8081", EnvVars: []string{"DECEPTION_CONTROL_URL"}},
		&cli.StringFlag{Name: "visibility-url", Value: "http://127.0.0.1:8080", EnvVars: []string{"DECEPTION_VISIBILITY_URL"}},
		&cli.StringFlag{Name: "api-key", EnvVars: []string{"DECEPTION_API_KEY"}},
		&cli.DurationFlag{Name: "timeout", Value: 2 * time.Minute},
	}
}

func deploymentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "deployments",
		Usage: "List deployments and their health",
		Flags: remoteFlags(),
		Action: func(c *cli.Context) error {
			return newAPIClient(c).get(c, c.String("visibility-url")+"/v1/deployments")
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Show the service health checks; exits 1 when a critical check fails",
		Flags: remoteFlags(),
		Action: func(c *cli.Context) error {
			return newAPIClient(c).get(c, strings.TrimSuffix(c.String("visibility-url"), "/")+"/health")
		},
	}
}

func refusalsCommand() *cli.Command {
	return &cli.Command{
		Name:  "refusals",
		Usage: "List deployments the engine refused or failed to start",
		Flags: remoteFlags(),
		Action: func(c *cli.Context) error {
			return newAPIClient(c).get(c, strings.TrimSuffix(c.String("visibility-url"), "/")+"/v1/deploy-refusals")
		},
	}
}

func droppedCommand() *cli.Command {
	return &cli.Command{
		Name:  "dropped-signals",
		Usage: "List signals the dispatcher dropped before delivery",
		Flags: remoteFlags(),
		Action: func(c *cli.Context) error {
			return newAPIClient(c).get(c, strings.TrimSuffix(c.String("visibility-url"), "/")+"/v1/dropped-signals")
		},
	}
}

func teardownCommand() *cli.Command {
	return &cli.Command{
		Name:  "teardown",
		Usage: "Tear down one deployed asset",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "asset", Required: true},
			&cli.StringFlag{Name: "operator", Required: true, EnvVars: []string{"USER"}},
		}, remoteFlags()...),
		Action: func(c *cli.Context) error {
			return newAPIClient(c).post(c, "/v1/teardown", control.TeardownRequest{
				AssetID:  c.String("asset"),
				Operator: c.String("operator"),
			})
		},
	}
}

func emergencyCommand() *cli.Command {
	return &cli.Command{
		Name:  "emergency",
		Usage: "Run an emergency teardown for an incident; no --asset means every deployed asset",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "incident", Required: true},
			&cli.StringSliceFlag{Name: "asset"},
			&cli.StringFlag{Name: "operator", Required: true, EnvVars: []string{"USER"}},
		}, remoteFlags()...),
		Action: func(c *cli.Context) error {
			return newAPIClient(c).post(c, "/v1/emergency-teardown", control.EmergencyTeardownRequest{
				IncidentID:  c.String("incident"),
				AssetIDs:    c.StringSlice("asset"),
				RequestedBy: c.String("operator"),
			})
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Mark a SafeHalt asset as removed after manual cleanup",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "asset", Required: true},
			&cli.StringFlag{Name: "operator", Required: true, EnvVars: []string{"USER"}},
			&cli.StringFlag{Name: "note"},
		}, remoteFlags()...),
		Action: func(c *cli.Context) error {
			return newAPIClient(c).post(c, "/v1/safe-halt/resolve", control.ResolveRequest{
				AssetID:  c.String("asset"),
				Operator: c.String("operator"),
				Note:     c.String("note"),
			})
		},
	}
}

type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAPIClient(c *cli.Context) *apiClient {
	return &apiClient{
		base:   strings.TrimSuffix(c.String("control-url"), "/"),
		apiKey: c.String("api-key"),
		http:   &http.Client{Timeout: c.Duration("timeout")},
	}
}

func (a *apiClient) post(c *cli.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(c.Context, http.MethodPost, a.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(c, req)
}

func (a *apiClient) get(c *cli.Context, url string) error {
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return a.do(c, req)
}

func (a *apiClient) do(c *cli.Context, req *http.Request) error {
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	fmt.Fprintln(c.App.Writer, strings.TrimSpace(string(body)))

	if resp.StatusCode >= 300 {
		return cli.Exit(fmt.Sprintf("%s %s: %s", req.Method, req.URL.Path, resp.Status), 1)
	}
	return nil
}

// quietLogger discards registry logs; results are printed as a table instead.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
