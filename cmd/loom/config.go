package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/xraph/loom/config"
)

var errInvalidConfig = errors.New("config is invalid")

func newConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show or validate observability configs",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the resolved, validated config",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:    "file",
						Aliases: []string{"f"},
						Usage:   "YAML file overlaid on the preset",
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format (yaml, json)",
						Value: "yaml",
					},
				},
				Action: showConfig,
			},
			{
				Name:      "validate",
				Usage:     "Validate a config file",
				ArgsUsage: "<file>",
				Flags:     []cli.Flag{envFlag()},
				Action:    validateConfig,
			},
		},
	}
}

// resolveConfig loads file over the env preset, or the preset alone, and
// applies LOOM_* overrides.
func resolveConfig(file, env string) (*config.ObservabilityConfig, error) {
	var (
		cfg *config.ObservabilityConfig
		err error
	)
	switch {
	case file != "":
		cfg, err = config.LoadFile(file, env)
	case env != "":
		cfg, err = config.New(env)
	default:
		cfg, err = config.New(config.EnvDevelopment)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func showConfig(_ context.Context, command *cli.Command) error {
	cfg, err := resolveConfig(command.String("file"), command.String("env"))
	if err != nil {
		return err
	}

	var out []byte
	switch format := command.String("format"); format {
	case "yaml":
		out, err = config.Marshal(cfg)
	case "json":
		out, err = json.MarshalIndent(cfg, "", "  ")
		out = append(out, '\n')
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", format)
	}
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	_, err = command.Root().Writer.Write(out)
	return err
}

func validateConfig(_ context.Context, command *cli.Command) error {
	file := command.Args().First()
	if file == "" {
		return errors.New("usage: loom config validate <file>")
	}

	cfg, err := config.LoadFile(file, command.String("env"))
	if err != nil {
		fmt.Fprintln(command.Root().ErrWriter, err)
		return errInvalidConfig
	}

	fmt.Fprintf(command.Root().Writer, "%s: valid %s config\n", file, cfg.Environment)
	return nil
}
