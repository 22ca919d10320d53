package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvClusterID        = "CLUSTER_ID"
	EnvCallback         = "ALLSPARK_CALLBACK"
	EnvExpectedWorkers  = "EXPECTED_WORKERS"
	EnvExitStatusPath   = "APP_EXIT_STATUS_PATH"
	EnvConfigFile       = "ALLSPARK_AGENT_CONFIG"
	EnvMasterStatusURL  = "ALLSPARK_MASTER_STATUS_URL"
	EnvAppStatusURL     = "ALLSPARK_APP_STATUS_URL"
	EnvInterval         = "ALLSPARK_REPORT_INTERVAL"
	EnvHTTPTimeout      = "ALLSPARK_HTTP_TIMEOUT"
	EnvCompressCallback = "ALLSPARK_CALLBACK_GZIP"
	EnvNATSURL          = "ALLSPARK_NATS_URL"
	EnvNATSSubject      = "ALLSPARK_NATS_SUBJECT"
	EnvNATSStream       = "ALLSPARK_NATS_STREAM"
	EnvListenAddr       = "ALLSPARK_AGENT_LISTEN"
)

// Defaults applied when neither the environment nor the config file set a value.
const (
	DefaultExitStatusPath  = "/allspark/app_exit_status"
	DefaultMasterStatusURL = "http://localhost:8080/json/"
	DefaultAppStatusURL    = "http://localhost:4040/api/v1/applications"
	DefaultInterval        = 10 * time.Second
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultNATSSubject     = "allspark.cluster.status"
	DefaultNATSStream      = "ALLSPARK_STATUS"
)

// Load resolves the agent configuration. Values come from the optional YAML
// file named by ALLSPARK_AGENT_CONFIG, then from the environment, which wins.
// A nil getenv uses os.Getenv.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Config{
		ExitStatusPath:  DefaultExitStatusPath,
		MasterStatusURL: DefaultMasterStatusURL,
		AppStatusURL:    DefaultAppStatusURL,
		Interval:        DefaultInterval,
		HTTPTimeout:     DefaultHTTPTimeout,
		NATS:            NATSConfig{Subject: DefaultNATSSubject, Stream: DefaultNATSStream},
	}
	workersSet := false

	if path := strings.TrimSpace(getenv(EnvConfigFile)); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		workersSet = fc.apply(&cfg)
	}

	cfg.ClusterID = getEnv(getenv, EnvClusterID, cfg.ClusterID)
	cfg.CallbackURL = getEnv(getenv, EnvCallback, cfg.CallbackURL)
	cfg.ExitStatusPath = getEnv(getenv, EnvExitStatusPath, cfg.ExitStatusPath)
	cfg.MasterStatusURL = getEnv(getenv, EnvMasterStatusURL, cfg.MasterStatusURL)
	cfg.AppStatusURL = getEnv(getenv, EnvAppStatusURL, cfg.AppStatusURL)
	cfg.NATS.URL = getEnv(getenv, EnvNATSURL, cfg.NATS.URL)
	cfg.NATS.Subject = getEnv(getenv, EnvNATSSubject, cfg.NATS.Subject)
	cfg.NATS.Stream = getEnv(getenv, EnvNATSStream, cfg.NATS.Stream)
	cfg.ListenAddr = getEnv(getenv, EnvListenAddr, cfg.ListenAddr)

	if v := strings.TrimSpace(getenv(EnvExpectedWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %q is not an integer", EnvExpectedWorkers, v)
		}
		cfg.ExpectedWorkers = n
		workersSet = true
	}

	var err error
	if cfg.Interval, err = getEnvDuration(getenv, EnvInterval, cfg.Interval); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = getEnvDuration(getenv, EnvHTTPTimeout, cfg.HTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CompressCallback, err = getEnvBool(getenv, EnvCompressCallback, cfg.CompressCallback); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(workersSet); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate(workersSet bool) error {
	var missing []string
	if strings.TrimSpace(c.ClusterID) == "" {
		missing = append(missing, EnvClusterID)
	}
	if strings.TrimSpace(c.CallbackURL) == "" {
		missing = append(missing, EnvCallback)
	}
	if !workersSet {
		missing = append(missing, EnvExpectedWorkers)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if err := validateHTTPURL(EnvCallback, c.CallbackURL); err != nil {
		return err
	}
	if err := validateHTTPURL(EnvMasterStatusURL, c.MasterStatusURL); err != nil {
		return err
	}
	if err := validateHTTPURL(EnvAppStatusURL, c.AppStatusURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.ExitStatusPath) == "" {
		return fmt.Errorf("%s must not be empty", EnvExitStatusPath)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%s must be positive, got %s", EnvInterval, c.Interval)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("%s must not be negative, got %s", EnvHTTPTimeout, c.HTTPTimeout)
	}
	if c.NATS.URL != "" && strings.TrimSpace(c.NATS.Subject) == "" {
		return errors.New("nats subject is required when a nats url is configured")
	}
	if c.NATS.URL != "" && strings.TrimSpace(c.NATS.Stream) == "" {
		return errors.New("nats stream is required when a nats url is configured")
	}
	return nil
}

func (fc fileConfig) apply(cfg *Config) bool {
	setString(&cfg.ClusterID, fc.ClusterID)
	setString(&cfg.CallbackURL, fc.CallbackURL)
	setString(&cfg.ExitStatusPath, fc.ExitStatusPath)
	setString(&cfg.MasterStatusURL, fc.MasterStatusURL)
	setString(&cfg.AppStatusURL, fc.AppStatusURL)
	setString(&cfg.NATS.URL, fc.NATS.URL)
	setString(&cfg.NATS.Subject, fc.NATS.Subject)
	setString(&cfg.NATS.Stream, fc.NATS.Stream)
	setString(&cfg.ListenAddr, fc.ListenAddr)
	if fc.Interval != 0 {
		cfg.Interval = fc.Interval
	}
	if fc.HTTPTimeout != 0 {
		cfg.HTTPTimeout = fc.HTTPTimeout
	}
	if fc.CompressCallback != nil {
		cfg.CompressCallback = *fc.CompressCallback
	}
	if fc.ExpectedWorkers != nil {
		cfg.ExpectedWorkers = *fc.ExpectedWorkers
		return true
	}
	return false
}

func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func validateHTTPURL(name, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid %s: %q must use http or https", name, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid %s: %q has no host", name, raw)
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func getEnv(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(getenv func(string) string, key string, def bool) (bool, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}

func getEnvDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
