// cmd/main.go

package main

import (
	"fmt"
	"os"

	"AveGrid/pkg/utils"
	"AveGrid/pkg/version"

	"github.com/google/gops/agent"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = utils.GetLogger("avegrid")

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"debug", "v"},
			Usage:   "enable debug log",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only warning and errors",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "enable trace log",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "write log into this file instead of stderr",
		},
		&cli.BoolFlag{
			Name:  "gops",
			Usage: "start a gops agent for diagnostics",
		},
	}
}

func setLoggerLevel(c *cli.Context) {
	if c.Bool("trace") {
		utils.SetLogLevel(logrus.TraceLevel)
	} else if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	} else {
		utils.SetLogLevel(logrus.InfoLevel)
	}
	if p := c.String("log-file"); p != "" {
		if err := utils.SetOutFile(p); err != nil {
			logger.Warnf("log into %s: %s", p, err)
		}
	}
	if c.Bool("gops") {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Warnf("start gops agent: %s", err)
		}
	}
}

func main() {
	app := &cli.App{
		Name:                 "avegrid",
		Usage:                "chunked world storage",
		Version:              version.Version(),
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Commands: []*cli.Command{
			formatFlags(),
			statusFlags(),
			infoFlags(),
			sweepFlags(),
			purgeFlags(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
