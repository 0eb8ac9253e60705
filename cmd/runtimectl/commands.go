package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/docker"
	"github.com/eagraf/habitat-runtime/internal/environment"
	"github.com/eagraf/habitat-runtime/internal/logging"
	"github.com/urfave/cli/v2"
)

func readEnvironment(path, overridesPath string) (*runtime.Environment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if overridesPath == "" {
		return environment.Parse(raw)
	}
	overrides, err := os.ReadFile(overridesPath)
	if err != nil {
		return nil, err
	}
	return environment.ParseWithOverrides(raw, overrides)
}

var overridesFlag = &cli.StringFlag{
	Name:  "overrides",
	Usage: "JSON patch (RFC 6902) applied to the environment before validation",
}

func validateCmd() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check that an environment file is valid",
		ArgsUsage: "<environment.yml>",
		Flags:     []cli.Flag{overridesFlag},
		Action: func(cCtx *cli.Context) error {
			if cCtx.NArg() != 1 {
				return cli.Exit("expected exactly one environment file", 2)
			}
			env, err := readEnvironment(cCtx.Args().First(), cCtx.String("overrides"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cCtx.App.Writer, "environment is valid: %d machines %v\n", len(env.Machines), env.MachineNames())
			return nil
		},
	}
}

func provisionCmd() *cli.Command {
	var workspace, owner, envName, namespace, logLevel string
	var portMin, portMax int
	return &cli.Command{
		Name:      "provision",
		Usage:     "print the docker environment an environment file provisions to, without starting it",
		ArgsUsage: "<environment.yml>",
		Flags: []cli.Flag{
			overridesFlag,
			&cli.StringFlag{
				Name:        "workspace",
				Usage:       "workspace id",
				Destination: &workspace,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "owner",
				Usage:       "owner id",
				Destination: &owner,
			},
			&cli.StringFlag{
				Name:        "env",
				Usage:       "environment name",
				Destination: &envName,
				Value:       "default",
			},
			&cli.StringFlag{
				Name:        "namespace",
				Usage:       "infrastructure namespace",
				Destination: &namespace,
			},
			&cli.IntFlag{
				Name:        "port-min",
				Usage:       "first host port to bind servers to",
				Destination: &portMin,
				Value:       32768,
			},
			&cli.IntFlag{
				Name:        "port-max",
				Usage:       "last host port to bind servers to",
				Destination: &portMax,
				Value:       33767,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level; debug prints the change made by each provisioner",
				Destination: &logLevel,
				Value:       "warn",
			},
		},
		Action: func(cCtx *cli.Context) error {
			if cCtx.NArg() != 1 {
				return cli.Exit("expected exactly one environment file", 2)
			}
			if _, err := logging.NewLoggerFromString(logLevel); err != nil {
				return err
			}
			desired, err := readEnvironment(cCtx.Args().First(), cCtx.String("overrides"))
			if err != nil {
				return err
			}
			id := runtime.NewIdentity(workspace, owner, envName, namespace)
			return provision(cCtx.Context, cCtx.App.Writer, desired, id, portMin, portMax)
		},
	}
}

func provision(ctx context.Context, w io.Writer, desired *runtime.Environment, id runtime.Identity, portMin, portMax int) error {
	if err := id.Validate(); err != nil {
		return err
	}
	ports, err := docker.NewPortAllocator(portMin, portMax)
	if err != nil {
		return err
	}
	pipeline, err := docker.NewPipeline(ports, "0.0.0.0")
	if err != nil {
		return err
	}
	backend, err := docker.NewEnvironment(desired, id)
	if err != nil {
		return err
	}
	if err := pipeline.Apply(ctx, desired, backend, id); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(backend)
}
