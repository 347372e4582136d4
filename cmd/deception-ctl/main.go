// Command deception-ctl manages descriptor signing keys and drives the
// deception core control API.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if exit, ok := err.(cli.ExitCoder); ok {
			os.Exit(exit.ExitCode())
		}
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "deception-ctl",
		Usage: "Sign deception asset descriptors and operate a running deception core",
		Commands: []*cli.Command{
			keygenCommand(),
			signCommand(),
			verifyCommand(),
			validateCommand(),
			validateMappingsCommand(),
			deploymentsCommand(),
			healthCommand(),
			refusalsCommand(),
			droppedCommand(),
			teardownCommand(),
			emergencyCommand(),
			resolveCommand(),
			auditCommand(),
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}
}
