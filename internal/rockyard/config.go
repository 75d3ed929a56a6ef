package rockyard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config keys, as written in rockyard.conf. Each one can be overridden by
// ROCKYARD_<KEY> in the environment.
const (
	keyDownloads         = "DOWNLOADS"
	keyBuilds            = "BUILDS"
	keyTimeout           = "TIMEOUT"
	keyRetries           = "RETRIES"
	keyNoGitCache        = "NO_GIT_CACHE"
	keyNoCache           = "NO_CACHE"
	keyNice              = "NICE"
	keyDebug             = "DEBUG"
	keyS3Endpoint        = "S3_ENDPOINT"
	keyS3Region          = "S3_REGION"
	keyS3Bucket          = "S3_BUCKET"
	keyS3Prefix          = "S3_PREFIX"
	keyS3AccessKeyID     = "S3_ACCESS_KEY_ID"
	keyS3SecretAccessKey = "S3_SECRET_ACCESS_KEY"
)

var configKeys = []string{
	keyDownloads, keyBuilds, keyTimeout, keyRetries, keyNoGitCache, keyNoCache, keyNice, keyDebug,
	keyS3Endpoint, keyS3Region, keyS3Bucket, keyS3Prefix, keyS3AccessKeyID, keyS3SecretAccessKey,
}

// Config holds the merged KEY=VALUE settings from the config file, the
// environment and command-line flags.
type Config struct {
	Values map[string]string
	Path   string
	v      *viper.Viper
}

// Settings is the typed view of a Config used by the pipeline.
type Settings struct {
	Downloads  string
	Builds     string
	Timeout    time.Duration
	Retries    int
	NoGitCache bool
	Nice       bool

	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3Prefix          string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// defaultConfigPath returns ROCKYARD_CONFIG, or rockyard.conf below the XDG
// config directory.
func defaultConfigPath() string {
	if p := os.Getenv("ROCKYARD_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "rockyard", "rockyard.conf")
}

// defaultDownloadsDir is rockyard below the user cache directory, or empty
// when the platform has none.
func defaultDownloadsDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rockyard")
}

// loadConfig reads path if it exists. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("env")
	v.SetEnvPrefix("ROCKYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyTimeout, "3600")
	v.SetDefault(keyRetries, "3")
	v.SetDefault(keyDebug, "0")
	if dir := defaultDownloadsDir(); dir != "" {
		v.SetDefault(keyDownloads, dir)
	}

	if path != "" && fileExists(path) {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg := &Config{Values: make(map[string]string), Path: path, v: v}
	cfg.refresh()
	return cfg, nil
}

func (c *Config) refresh() {
	for _, k := range configKeys {
		if val := strings.Trim(strings.TrimSpace(c.v.GetString(k)), `"'`); val != "" {
			c.Values[k] = val
		} else {
			delete(c.Values, k)
		}
	}
}

// bindFlags lets explicitly set flags take precedence over the file and
// environment. keys maps config keys to flag names.
func (c *Config) bindFlags(fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag --%s for %s", name, key)
		}
		if err := c.v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	c.refresh()
	return nil
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// initConfig validates cfg and returns the typed settings.
func initConfig(cfg *Config) (*Settings, error) {
	s := &Settings{
		Downloads:         cfg.Values[keyDownloads],
		Builds:            cfg.Values[keyBuilds],
		NoGitCache:        truthy(cfg.Values[keyNoGitCache]),
		Nice:              truthy(cfg.Values[keyNice]),
		S3Endpoint:        cfg.Values[keyS3Endpoint],
		S3Region:          cfg.Values[keyS3Region],
		S3Bucket:          cfg.Values[keyS3Bucket],
		S3Prefix:          cfg.Values[keyS3Prefix],
		S3AccessKeyID:     cfg.Values[keyS3AccessKeyID],
		S3SecretAccessKey: cfg.Values[keyS3SecretAccessKey],
	}
	if truthy(cfg.Values[keyNoCache]) {
		s.Downloads = ""
	}
	if truthy(cfg.Values[keyDebug]) {
		Debug = true
	}

	timeout, err := parseSeconds(cfg.Values[keyTimeout])
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", keyTimeout, err)
	}
	s.Timeout = timeout

	retries := cfg.v.GetInt(keyRetries)
	if retries < 1 {
		return nil, fmt.Errorf("invalid %s %q: must be at least 1", keyRetries, cfg.Values[keyRetries])
	}
	s.Retries = retries

	for _, dir := range []*string{&s.Downloads, &s.Builds} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, err
		}
		*dir = abs
	}
	return s, nil
}

// parseSeconds accepts a plain number of seconds or a Go duration.
func parseSeconds(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	d, err := time.ParseDuration(s + "s")
	if err != nil {
		return 0, fmt.Errorf("%q is not a number of seconds", s)
	}
	return d, nil
}
