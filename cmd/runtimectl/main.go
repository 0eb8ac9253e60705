package main

import (
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "runtimectl",
		Usage: "inspect and dry-run workspace environments",
		Commands: []*cli.Command{
			validateCmd(),
			provisionCmd(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
