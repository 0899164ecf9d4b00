package main

import (
	"os"

	"bulkblock.org/cli"
	"bulkblock.org/common"
)

func main() {
	if err := cli.Execute(); err != nil {
		common.Logger.Error(err)
		os.Exit(1)
	}
}
