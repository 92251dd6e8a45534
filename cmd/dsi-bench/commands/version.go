package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skycoin/dsi/pkg/dsi"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the dsi-bench version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(dsi.Version)
	},
}
