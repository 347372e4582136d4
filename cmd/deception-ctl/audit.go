package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"boundary-deception/internal/config"
	"boundary-deception/internal/security/audit"
)

func auditCommand() *cli.Command {
	dirFlags := []cli.Flag{
		&cli.StringFlag{Name: "config", Value: config.DefaultPath, EnvVars: []string{"DECEPTION_CONFIG_PATH"}},
		&cli.StringFlag{Name: "dir", Usage: "audit directory, overrides the config", EnvVars: []string{"DECEPTION_AUDIT_DIR"}},
	}

	return &cli.Command{
		Name:  "audit",
		Usage: "Inspect the operator audit trail",
		Subcommands: []*cli.Command{
			{
				Name:  "verify",
				Usage: "Check the hash chain, signatures and file checksums",
				Flags: dirFlags,
				Action: func(c *cli.Context) error {
					dir, err := auditDir(c)
					if err != nil {
						return err
					}
					key, err := audit.LoadKey(dir)
					if err != nil {
						return fmt.Errorf("load audit key: %w", err)
					}
					report, err := audit.Verify(c.Context, dir, key)
					if err != nil {
						fmt.Fprintf(c.App.Writer, "FAIL %s: %v\n", dir, err)
						return cli.Exit("audit trail failed verification", 1)
					}
					fmt.Fprintf(c.App.Writer, "OK   %s: %d entries in %d files (sequence %d..%d)\n",
						dir, report.Entries, report.Files, report.FirstSequence, report.LastSequence)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "List audit entries",
				Flags: append(dirFlags,
					&cli.StringSliceFlag{Name: "type", Usage: "event type, repeatable"},
					&cli.StringFlag{Name: "actor"},
					&cli.StringFlag{Name: "target", Usage: "asset or incident id"},
					&cli.DurationFlag{Name: "since", Usage: "only entries newer than this"},
					&cli.IntFlag{Name: "limit", Value: 100},
					&cli.BoolFlag{Name: "json", Usage: "print JSON lines"},
				),
				Action: func(c *cli.Context) error {
					dir, err := auditDir(c)
					if err != nil {
						return err
					}
					opts := audit.QueryOptions{
						Actor:  c.String("actor"),
						Target: c.String("target"),
						Limit:  c.Int("limit"),
					}
					for _, t := range c.StringSlice("type") {
						opts.Types = append(opts.Types, audit.EventType(t))
					}
					if since := c.Duration("since"); since > 0 {
						opts.StartTime = time.Now().Add(-since)
					}

					entries, err := audit.Query(c.Context, dir, opts)
					if err != nil {
						return err
					}
					if c.Bool("json") {
						enc := json.NewEncoder(c.App.Writer)
						for _, e := range entries {
							if err := enc.Encode(e); err != nil {
								return err
							}
						}
						return nil
					}

					tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "SEQ\tTIME\tTYPE\tACTOR\tTARGET\tOK\tMESSAGE")
					for _, e := range entries {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%v\t%s\n",
							e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, e.Actor, e.Target, e.Success, e.Message)
					}
					return tw.Flush()
				},
			},
		},
	}
}

func auditDir(c *cli.Context) (string, error) {
	if c.IsSet("dir") {
		return c.String("dir"), nil
	}
	cfg, err := config.LoadFile(c.String("config"))
	if err != nil {
		return "", err
	}
	return cfg.Audit.Dir, nil
}
