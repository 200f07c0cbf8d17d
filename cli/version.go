package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clarinet-dicom/clarinet/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency information",
	Run: func(cmd *cobra.Command, args []string) {
		out, err := json.MarshalIndent(version.Get(), "", "  ")
		if err != nil {
			fmt.Println("version information unavailable")
			return
		}
		fmt.Println(string(out))
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
