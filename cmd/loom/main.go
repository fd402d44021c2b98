// Command loom inspects observability configs and runs a demo pipeline.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "loom",
		Usage:                 "Inspect loom observability configs and run a demo pipeline",
		EnableShellCompletion: true,
		Writer:                os.Stdout,
		ErrWriter:             os.Stderr,
		Commands: []*cli.Command{
			newConfigCommand(),
			newDemoCommand(),
		},
	}
}

// envFlag selects the preset a config starts from.
func envFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "env",
		Aliases: []string{"e"},
		Usage:   "Environment preset (development, staging, production)",
		Sources: cli.EnvVars("LOOM_ENV"),
	}
}
