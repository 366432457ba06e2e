package main

import (
	"os"

	"github.com/Masterminds/semver"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/gantryio/gantry/internal/daemon"
	"github.com/gantryio/gantry/internal/util"
)

var log = util.GetLogger("gantryd")

func main() {

	app := cli.NewApp()
	app.Name = "gantryd"
	app.Usage = "Deploys applications straight from their git repositories"
	version, err := semver.NewVersion("0.1.0-dev.1")
	if err != nil {
		panic(err)
	}
	app.Version = version.String()

	var configFile string
	var loglevel string

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Value:       "gantry.yaml",
			Usage:       "Specify a config file",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "loglevel",
			Value:       "info",
			Usage:       "Specify log level: debug, info, warn, error",
			Destination: &loglevel,
		},
	}

	app.Before = func(c *cli.Context) error {
		level, err := logrus.ParseLevel(loglevel)
		if err != nil {
			return err
		}
		util.SetLogLevel(level)
		return nil
	}

	app.Action = func(c *cli.Context) error {
		log.Info("Starting gantry daemon")
		daemon.StartUp(configFile, version)
		return nil
	}

	app.Run(os.Args)
}
