// cmd/status.go

package main

import (
	"encoding/json"
	"fmt"

	"AveGrid/pkg/meta"

	"github.com/urfave/cli/v2"
)

type sections struct {
	Setting *meta.Format
	Chunks  int
}

func printJson(v interface{}) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	fmt.Println(string(output))
}

func status(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	format, blob := openWorld(ctx)
	format.RemoveSecret()

	keys, err := blob.List("chunks/")
	if err != nil {
		logger.Fatalf("list chunks: %s", err)
	}
	printJson(&sections{format, len(keys)})
	return nil
}

func statusFlags() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show status of a world",
		ArgsUsage: "STORE",
		Action:    status,
	}
}
