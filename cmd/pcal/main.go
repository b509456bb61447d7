package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

const (
	appName    = "pcal"
	appVersion = "0.1.0"
)

func main() {
	app := cli.App{
		Name:    appName,
		Usage:   "materialize calendar occurrences and serve them",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:   "config",
				Usage:  "Path to the YAML config; created with defaults on first run",
				Value:  "/etc/pcal/config.yaml",
				EnvVar: "PCAL_CONFIG",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Output debug messages",
			},
		},
		Commands: []cli.Command{
			serveCmd,
			importCmd,
			dayCmd,
			rangeCmd,
			monthCmd,
			searchCmd,
			purgeCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
