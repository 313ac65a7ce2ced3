package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ztrue/shutdown"
	"gopkg.in/urfave/cli.v1"

	"github.com/satsbox/satsbox/build"
)

var log = build.AddSubLogger("MAIN")

var start time.Time

func main() {
	app := cli.NewApp()
	app.Name = "satsbox"
	app.Version = build.Version()
	app.Usage = "Custodial lightning wallet server"
	app.EnableBashCompletion = true

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the config file",
			Value: "satsbox.toml",
		},
		cli.StringFlag{
			Name:  "migrations",
			Usage: "golang-migrate source URL for the schema migrations",
			Value: "file://db/migrations",
		},
		cli.StringFlag{
			Name:  "logging.level",
			Usage: "log level: trace|debug|info|warn|error",
			Value: "info",
		},
	}

	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		build.SetLogLevels(level)

		log.WithFields(logrus.Fields{
			"version": app.Version,
		}).Info("starting satsbox")
		return nil
	}

	app.Commands = []cli.Command{
		serveCommand(),
		dbCommand(),
	}

	shutdown.AddWithParam(func(signal os.Signal) {
		log.WithFields(logrus.Fields{
			"signal": signal.String(),
			"ranFor": time.Since(start),
		}).Info("shutting down satsbox")
		stopServe()
	})

	// the signal listening is a blocking call that needs to run in main,
	// the real work happens in a goroutine
	go realMain(app)

	shutdown.Listen()
}

func realMain(app *cli.App) {
	start = time.Now()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
