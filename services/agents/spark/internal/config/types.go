package config

import "time"

// Config holds everything the status reporter needs, resolved once at startup.
type Config struct {
	ClusterID       string
	CallbackURL     string
	ExpectedWorkers int
	ExitStatusPath  string

	MasterStatusURL string
	AppStatusURL    string

	Interval         time.Duration
	HTTPTimeout      time.Duration
	CompressCallback bool

	NATS       NATSConfig
	ListenAddr string
}

// NATSConfig configures the optional bus sink. An empty URL disables it.
type NATSConfig struct {
	URL     string
	Subject string
	// Stream is the JetStream stream created to hold Subject.
	Stream string
}

// ClusterMode reports whether the agent polls a multi-worker cluster manager
// rather than simulating a single-node status.
func (c Config) ClusterMode() bool {
	return c.ExpectedWorkers > 0
}

// fileConfig mirrors Config for the optional YAML file. Pointers mark the
// fields the file actually sets.
type fileConfig struct {
	ClusterID        string         `yaml:"cluster_id"`
	CallbackURL      string         `yaml:"callback_url"`
	ExpectedWorkers  *int           `yaml:"expected_workers"`
	ExitStatusPath   string         `yaml:"exit_status_path"`
	MasterStatusURL  string         `yaml:"master_status_url"`
	AppStatusURL     string         `yaml:"app_status_url"`
	Interval         time.Duration  `yaml:"interval"`
	HTTPTimeout      time.Duration  `yaml:"http_timeout"`
	CompressCallback *bool          `yaml:"compress_callback"`
	NATS             fileNATSConfig `yaml:"nats"`
	ListenAddr       string         `yaml:"listen"`
}

type fileNATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Stream  string `yaml:"stream"`
}
