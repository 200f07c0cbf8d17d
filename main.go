package main

import (
	"os"

	"github.com/clarinet-dicom/clarinet/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
