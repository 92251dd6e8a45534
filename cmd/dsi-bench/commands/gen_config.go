package commands

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/skycoin/dsi/internal/pathutil"
	"github.com/skycoin/dsi/pkg/dsi"
)

func init() {
	rootCmd.AddCommand(genConfigCmd)
}

var (
	output        string
	replace       bool
	configLocType = pathutil.WorkingDirLoc
	genDelivery   string
)

func init() {
	genConfigCmd.Flags().StringVarP(&output, "output", "o", "", "path of output config file. Uses default of 'type' flag if unspecified.")
	genConfigCmd.Flags().BoolVarP(&replace, "replace", "r", false, "whether to allow rewrite of a file that already exists.")
	genConfigCmd.Flags().VarP(&configLocType, "type", "m", fmt.Sprintf("config generation mode. Valid values: %v", pathutil.AllConfigLocationTypes()))
	genConfigCmd.Flags().StringVarP(&genDelivery, "delivery", "d", string(dsi.DeliveryReference), "delivery mode of the generated stream config")
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Generates a config file",
	PreRun: func(_ *cobra.Command, _ []string) {
		if output == "" {
			var err error
			if output, err = pathutil.BenchDefaults().Get(configLocType); err != nil {
				log.Fatal(err)
			}
			log.Printf("No 'output' set; using default path: %s", output)
		}
		var err error
		if output, err = filepath.Abs(output); err != nil {
			log.Fatalf("invalid output provided: %s", err)
		}
	},
	Run: func(_ *cobra.Command, _ []string) {
		conf := defaultConfig()
		conf.Stream.Delivery = dsi.DeliveryMode(genDelivery)
		if configLocType == pathutil.LocalLoc {
			conf.LogLevel = "warn"
		}
		if err := conf.Validate(); err != nil {
			log.Fatalf("invalid config: %s", err)
		}
		if err := pathutil.WriteJSONConfig(conf, output, replace); err != nil {
			log.Fatal(err)
		}
	},
}
