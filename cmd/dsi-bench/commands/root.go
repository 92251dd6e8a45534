package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"log/syslog"
	"net/http"
	_ "net/http/pprof" // nolint:gosec
	"os"

	"github.com/pkg/profile"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/skycoin/dsi/internal/metrics"
	"github.com/skycoin/dsi/internal/pathutil"
	"github.com/skycoin/dsi/pkg/dsi"
)

const configEnv = "DSI_CONFIG"

type runCfg struct {
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	profileMode  string
	metricsAddr  string
	packets      int
	delivery     string
	args         []string

	profileStop  func()
	logger       *logging.Logger
	masterLogger *logging.MasterLogger
	conf         *Config
	metrics      metrics.Recorder
	progress     Progress
	report       Report
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "dsi-bench [config-path]",
	Short: "Streams packets through a DSI stream and reports the throughput",
	Run: func(cmd *cobra.Command, args []string) {
		cfg.args = args

		cfg.startProfiler().
			startLogger().
			readConfig(cmd).
			serveAPI().
			runBench().
			printReport()
	},
	Version: dsi.Version,
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "dsi-bench", "logging tag")
	rootCmd.Flags().BoolVarP(&cfg.cfgFromStdin, "stdin", "i", false, "read config from STDIN")
	rootCmd.Flags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode:  none or one of: [cpu, mem, mutex, block, trace, http]")
	rootCmd.Flags().StringVarP(&cfg.metricsAddr, "metrics", "m", "", "address to bind metrics API to, overrides the config")
	rootCmd.Flags().IntVarP(&cfg.packets, "packets", "n", 0, "number of packets to send, overrides the config")
	rootCmd.Flags().StringVarP(&cfg.delivery, "delivery", "d", "", "delivery mode: reference, map or copy, overrides the config")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startProfiler() *runCfg {
	var option func(*profile.Profile)
	switch cfg.profileMode {
	case "none":
		cfg.profileStop = func() {}
		return cfg
	case "http":
		go func() {
			log.Println(http.ListenAndServe("localhost:6060", nil))
		}()
		cfg.profileStop = func() {}
		return cfg
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "mutex":
		option = profile.MutexProfile
	case "block":
		option = profile.BlockProfile
	case "trace":
		option = profile.TraceProfile
	default:
		log.Fatalf("Unknown profile mode %q", cfg.profileMode)
	}
	cfg.profileStop = profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
	return cfg
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.masterLogger = logging.NewMasterLogger()
	cfg.logger = cfg.masterLogger.PackageLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			cfg.masterLogger.AddHook(hook)
			cfg.masterLogger.Out = ioutil.Discard
		}
	}
	return cfg
}

func (cfg *runCfg) readConfig(cmd *cobra.Command) *runCfg {
	conf := defaultConfig()

	if cfg.cfgFromStdin {
		cfg.logger.Info("Reading config from STDIN")
		if err := json.NewDecoder(bufio.NewReader(os.Stdin)).Decode(conf); err != nil {
			cfg.logger.Fatalf("Failed to decode config from STDIN: %s", err)
		}
	} else if configPath, err := pathutil.FindConfigPath(cfg.args, 0, configEnv, pathutil.BenchDefaults()); err == nil {
		if err := pathutil.ReadJSONConfig(configPath, conf); err != nil {
			cfg.logger.Fatalf("Failed to read config: %s", err)
		}
	} else {
		cfg.logger.WithError(err).Info("Using the default config")
	}

	if cmd.Flags().Changed("packets") {
		conf.Packets = cfg.packets
	}
	if cmd.Flags().Changed("delivery") {
		conf.Stream.Delivery = dsi.DeliveryMode(cfg.delivery)
	}
	if cmd.Flags().Changed("metrics") {
		conf.MetricsAddr = cfg.metricsAddr
	}
	if err := conf.Validate(); err != nil {
		cfg.logger.Fatalf("Invalid config: %s", err)
	}

	lvl, err := logging.LevelFromString(conf.LogLevel)
	if err != nil {
		cfg.logger.Fatalf("Failed to parse log_level: %s", err)
	}
	cfg.masterLogger.SetLevel(lvl)
	logging.SetLevel(lvl)

	cfg.conf = conf
	return cfg
}

func (cfg *runCfg) serveAPI() *runCfg {
	if cfg.conf.MetricsAddr == "" {
		cfg.metrics = metrics.NewDummy()
		return cfg
	}
	cfg.metrics = metrics.NewPrometheus("dsi", nil)

	api := newAPI(cfg.conf, &cfg.progress)
	go func() {
		cfg.logger.Infof("Serving metrics API on %s", cfg.conf.MetricsAddr)
		if err := http.ListenAndServe(cfg.conf.MetricsAddr, api); err != nil {
			cfg.logger.Println("Failed to start metrics API:", err)
		}
	}()
	return cfg
}

func (cfg *runCfg) runBench() *runCfg {
	defer cfg.profileStop()

	report, err := runBench(cfg.conf, cfg.metrics, &cfg.progress, cfg.logger)
	if err != nil {
		cfg.logger.Fatalf("Bench failed after %d packets: %s", report.Packets, err)
	}
	cfg.report = report
	return cfg
}

func (cfg *runCfg) printReport() *runCfg {
	fmt.Println(cfg.report)
	if cfg.conf.ReleaseCallback {
		fmt.Printf("%d release callbacks\n", cfg.report.Released)
	}
	return cfg
}
