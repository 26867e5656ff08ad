package config

import "time"

// Config represents the complete geogate configuration. It is constructed
// once at startup and passed by value to each component; nothing mutates it
// after Load returns.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Broker    BrokerConfig    `yaml:"broker"`
	Database  DatabaseConfig  `yaml:"database"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Serving   ServingConfig   `yaml:"serving"`
	Retention RetentionConfig `yaml:"retention"`
	API       APIConfig       `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// Workspace used when a notification carries no project header.
	DefaultWorkspace string `yaml:"default_workspace"`
	// ScratchDir is where downloads are staged before conversion.
	ScratchDir string `yaml:"scratch_dir"`
}

// BrokerConfig defines the AMQP broker connection and routing.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	VHost    string `yaml:"vhost"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Mutual-TLS material. All three must be set for TLS connections.
	CACertFile string `yaml:"ca_cert_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`

	Exchange     string `yaml:"exchange"`
	ExchangeType string `yaml:"exchange_type"`
	InputQueue   string `yaml:"input_queue"`
	// ReportRoutingPrefix is prepended to ".{datatype}[.{request_code}]"
	// when publishing result reports.
	ReportRoutingPrefix string `yaml:"report_routing_prefix"`

	Prefetch int `yaml:"prefetch"`
	// AckEvery controls cumulative acknowledgment batching.
	AckEvery int `yaml:"ack_every"`
}

// DatabaseConfig defines the relational store connection.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// CatalogConfig defines the data-catalog and its auth endpoint.
type CatalogConfig struct {
	URL        string `yaml:"url"`
	OAuthURL   string `yaml:"oauth_url"`
	OAuthKey   string `yaml:"oauth_api_key"`
	OAuthAppID string `yaml:"oauth_app_id"`
	OAuthUser  string `yaml:"oauth_user"`
	OAuthPass  string `yaml:"oauth_password"`

	Timeout time.Duration `yaml:"timeout"`
}

// ServingConfig defines the geospatial serving backend and its file layout.
type ServingConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// DataDir is the serving backend's data directory as seen by geogate.
	DataDir string `yaml:"data_dir"`
	// TifFolder holds single-file rasters, per datatype.
	TifFolder string `yaml:"tif_folder"`
	// MosaicFolder holds one sub-folder per mosaic resource.
	MosaicFolder string `yaml:"mosaic_folder"`

	Timeout time.Duration `yaml:"timeout"`
}

// RetentionConfig defines the background retention cycle.
type RetentionConfig struct {
	// CycleEvery is how often the sweep runs independently of ingestion.
	// Zero disables the background cycle; post-publish sweeps still run.
	CycleEvery time.Duration `yaml:"cycle_every"`
	Jitter     time.Duration `yaml:"jitter,omitempty"`
}

// APIConfig defines the dashboard/query HTTP server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token protects mutating endpoints when set. Read endpoints stay open.
	Token string `yaml:"token,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "geogate",
			LogLevel:         "info",
			LogFormat:        "json",
			DefaultWorkspace: "general",
			ScratchDir:       "./data/scratch",
		},
		Broker: BrokerConfig{
			Port:         5671,
			VHost:        "/",
			ExchangeType: "topic",
			Prefetch:     1,
			AckEvery:     1,
		},
		Database: DatabaseConfig{
			Port: 5432,
		},
		Catalog: CatalogConfig{
			Timeout: 60 * time.Second,
		},
		Serving: ServingConfig{
			TifFolder:    "geotiff",
			MosaicFolder: "imagemosaic",
			Timeout:      60 * time.Second,
		},
		Retention: RetentionConfig{
			CycleEvery: time.Hour,
			Jitter:     time.Minute,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
