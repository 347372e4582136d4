package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/config"
	"boundary-deception/internal/registry"
	"boundary-deception/internal/response"
	"boundary-deception/internal/security/signing"
	"boundary-deception/internal/topology"
)

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate an Ed25519 key pair in PEM form",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "private", Value: "deception.key", Usage: "private key output path"},
			&cli.StringFlag{Name: "public", Value: "deception.pub", Usage: "public key output path"},
			&cli.BoolFlag{Name: "force", Usage: "overwrite existing files"},
		},
		Action: func(c *cli.Context) error {
			priv, pub := c.String("private"), c.String("public")
			if !c.Bool("force") {
				for _, p := range []string{priv, pub} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists, use --force to overwrite", p)
					}
				}
			}

			pubKey, privKey, err := signing.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := signing.WriteKeyPair(priv, pub, pubKey, privKey); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "wrote %s and %s\n", priv, pub)
			return nil
		},
	}
}

func signCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Sign descriptor files in place",
		ArgsUsage: "<descriptor>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Required: true, Usage: "PEM private key", EnvVars: []string{"DECEPTION_DESCRIPTOR_SIGNING_KEY"}},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("at least one descriptor file is required", 2)
			}
			key, err := signing.LoadPrivateKey(c.String("key"))
			if err != nil {
				return err
			}

			schema := asset.NewSchema()
			for _, path := range c.Args().Slice() {
				d, err := readDescriptor(path)
				if err != nil {
					return err
				}
				if err := schema.Validate(d); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := d.Sign(key); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := writeDescriptor(path, d); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "signed %s (%s) hash=%s\n", path, d.AssetID, d.SignatureHash)
			}
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check descriptor signatures and schema",
		ArgsUsage: "<descriptor>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Required: true, Usage: "PEM public key", EnvVars: []string{"DECEPTION_DESCRIPTOR_KEY"}},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("at least one descriptor file is required", 2)
			}
			key, err := signing.LoadPublicKey(c.String("key"))
			if err != nil {
				return err
			}

			schema := asset.NewSchema()
			failed := 0
			for _, path := range c.Args().Slice() {
				d, err := readDescriptor(path)
				if err == nil {
					err = d.Verify(key)
				}
				if err == nil {
					err = schema.Validate(d)
				}
				if err != nil {
					failed++
					fmt.Fprintf(c.App.Writer, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(c.App.Writer, "OK   %s (%s)\n", path, d.AssetID)
			}
			if failed > 0 {
				return cli.Exit(fmt.Sprintf("%d descriptor(s) failed verification", failed), 1)
			}
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Run the registry admission checks over the configured descriptor directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: config.DefaultPath, EnvVars: []string{"DECEPTION_CONFIG_PATH"}},
			&cli.StringFlag{Name: "dir", Usage: "descriptor directory, overrides the config"},
			&cli.BoolFlag{Name: "remote", Usage: "also query the remote topology service"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadFile(c.String("config"))
			if err != nil {
				return err
			}
			dir := cfg.Registry.Dir
			if c.IsSet("dir") {
				dir = c.String("dir")
			}

			key, err := signing.LoadPublicKey(cfg.Registry.PublicKeyPath)
			if err != nil {
				return err
			}
			static, err := topology.NewStaticScanner(cfg.Topology.Static)
			if err != nil {
				return err
			}
			scanners := topology.Multi{static}
			if c.Bool("remote") {
				scanners = append(scanners, topology.NewClient(cfg.Topology.Remote))
			}

			reg := registry.New(key, topology.NewGuard(scanners, cfg.Topology.Timeout), cfg.Registry.Workers, quietLogger())
			result, err := reg.Load(c.Context, dir)
			if err != nil {
				return err
			}
			printLoadResult(c, result)
			if len(result.Rejections) > 0 {
				return cli.Exit(fmt.Sprintf("%d descriptor(s) rejected", len(result.Rejections)), 1)
			}
			return nil
		},
	}
}

func validateMappingsCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate-mappings",
		Usage:     "Parse a playbook mapping file and print the table",
		ArgsUsage: "<mappings.yaml>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one mapping file is required", 2)
			}
			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return err
			}
			table, err := response.ParseTable(data)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INTERACTION TYPE\tPLAYBOOK")
			for _, t := range table.InteractionTypes() {
				playbook, _ := table.Resolve(t)
				fmt.Fprintf(w, "%s\t%s\n", t, playbook)
			}
			return w.Flush()
		},
	}
}

func printLoadResult(c *cli.Context, result *registry.LoadResult) {
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tFILE/ASSET\tDETAIL")
	for _, d := range result.Verified {
		fmt.Fprintf(w, "verified\t%s\t%s/%s\n", d.AssetID, d.AssetType, d.Scope)
	}
	for _, r := range result.Rejections {
		fmt.Fprintf(w, "rejected\t%s\t%s: %s\n", r.File, r.Reason, r.Detail)
	}
	w.Flush()
}

func readDescriptor(path string) (*asset.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := asset.Parse(filepath.Base(path), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func writeDescriptor(path string, d *asset.Descriptor) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(d, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = asset.Marshal(d)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
