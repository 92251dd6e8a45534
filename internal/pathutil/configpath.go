// Package pathutil finds and writes DSI configuration files.
package pathutil

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("pathutil")

// ErrConfigNotFound is returned when no config file exists at any candidate path.
var ErrConfigNotFound = errors.New("config not found")

// ConfigLocationType describes a config path's location type.
type ConfigLocationType string

const (
	// WorkingDirLoc represents the default working directory location for a configuration file.
	WorkingDirLoc = ConfigLocationType("WD")

	// HomeLoc represents the default home folder location for a configuration file.
	HomeLoc = ConfigLocationType("HOME")

	// LocalLoc represents the default /usr/local location for a configuration file.
	LocalLoc = ConfigLocationType("LOCAL")
)

// String implements fmt.Stringer for ConfigLocationType.
func (t ConfigLocationType) String() string {
	return string(t)
}

// Set implements pflag.Value for ConfigLocationType.
func (t *ConfigLocationType) Set(s string) error {
	for _, v := range AllConfigLocationTypes() {
		if string(v) == s {
			*t = v
			return nil
		}
	}
	return errors.Errorf("invalid config location %q, valid values: %v", s, AllConfigLocationTypes())
}

// Type implements pflag.Value for ConfigLocationType.
func (t ConfigLocationType) Type() string {
	return "pathutil.ConfigLocationType"
}

// AllConfigLocationTypes returns all valid config location types.
func AllConfigLocationTypes() []ConfigLocationType {
	return []ConfigLocationType{
		WorkingDirLoc,
		HomeLoc,
		LocalLoc,
	}
}

// ConfigPaths contains a map of configuration paths, based on ConfigLocationTypes.
type ConfigPaths map[ConfigLocationType]string

// String implements fmt.Stringer for ConfigPaths.
func (dp ConfigPaths) String() string {
	raw, err := json.MarshalIndent(dp, "", "\t")
	if err != nil {
		return err.Error()
	}
	return string(raw)
}

// Get obtains a path stored under given configuration location type.
func (dp ConfigPaths) Get(cpType ConfigLocationType) (string, error) {
	if path, ok := dp[cpType]; ok {
		return path, nil
	}
	return "", errors.Errorf("invalid config type '%s' provided. Valid types: %v", cpType, AllConfigLocationTypes())
}

// BenchDefaults returns the default config paths for dsi-bench.
func BenchDefaults() ConfigPaths {
	paths := make(ConfigPaths)
	if wd, err := os.Getwd(); err == nil {
		paths[WorkingDirLoc] = filepath.Join(wd, "dsi-config.json")
	}
	paths[HomeLoc] = filepath.Join(HomeDir(), ".dsi/dsi-config.json")
	paths[LocalLoc] = "/usr/local/dsi/dsi-config.json"
	return paths
}

// FindConfigPath finds a config file path in the following order:
// - From CLI argument.
// - From ENV.
// - From a list of default paths.
// If argsIndex < 0, searching from CLI arguments does not take place.
func FindConfigPath(args []string, argsIndex int, env string, defaults ConfigPaths) (string, error) {
	if argsIndex >= 0 && len(args) > argsIndex {
		path, err := Expand(args[argsIndex])
		if err != nil {
			return "", err
		}
		log.Infof("using args[%d] as config path: %s", argsIndex, path)
		return path, nil
	}
	if env != "" {
		if path, ok := os.LookupEnv(env); ok {
			log.Infof("using $%s as config path: %s", env, path)
			return Expand(path)
		}
	}
	log.Debugf("config path is not explicitly specified, trying default paths...")
	for i, cpType := range AllConfigLocationTypes() {
		path, ok := defaults[cpType]
		if !ok {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			log.Debugf("- [%d/%d] '%s' cannot be accessed: %s", i+1, len(defaults), path, err.Error())
			continue
		}
		log.Debugf("- [%d/%d] '%s' is found", i+1, len(defaults), path)
		log.Infof("using fallback config path: %s", path)
		return path, nil
	}
	return "", errors.Wrapf(ErrConfigNotFound, "searched %s", defaults)
}

// WriteJSONConfig is used by config file generators.
// 'output' specifies the path to save generated config files.
// 'replace' is true if replacing files is allowed.
func WriteJSONConfig(conf interface{}, output string, replace bool) error {
	raw, err := json.MarshalIndent(conf, "", "\t")
	if err != nil {
		return err
	}
	if _, err := os.Stat(output); !replace && err == nil {
		return errors.Errorf("file %s already exists, stopping as 'replace,r' flag is not set", output)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0750); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	if err := ioutil.WriteFile(output, raw, 0644); err != nil {
		return errors.Wrap(err, "failed to write file")
	}
	log.Infof("Wrote %d bytes to %s\n%s", len(raw), output, string(raw))
	return nil
}

// ReadJSONConfig decodes the JSON config file at path into conf.
func ReadJSONConfig(path string, conf interface{}) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.WithError(err).Warn("Failed to close config file")
		}
	}()

	if err := json.NewDecoder(f).Decode(conf); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
