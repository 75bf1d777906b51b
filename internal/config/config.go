package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	App           struct {
		Name     string `mapstructure:"name"`
		LogLevel string `mapstructure:"log_level"`
		LogJSON  bool   `mapstructure:"log_json"`
	} `mapstructure:"app"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Server struct {
		Addr    string `mapstructure:"addr"`
		TLSAddr string `mapstructure:"tls_addr"`
	} `mapstructure:"server"`
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
		// SwaggerClientID is the public PKCE client used by the API docs page.
		SwaggerClientID string `mapstructure:"swagger_client_id"`
		MasterKey       string `mapstructure:"master_key"`
		DevAccount      string `mapstructure:"dev_account"`
	} `mapstructure:"auth"`
	Engine struct {
		LoadWorkflows       bool `mapstructure:"load_workflows"`
		KeepAliveIntervalMS int  `mapstructure:"keepalive_interval_ms"`
	} `mapstructure:"engine"`
	Connectors struct {
		SchemaURL    string        `mapstructure:"schema_url"`
		SchemaDir    string        `mapstructure:"schema_dir"`
		Web3URL      string        `mapstructure:"web3_url"`
		CacheSize    int64         `mapstructure:"cache_size"`
		CacheTTL     time.Duration `mapstructure:"cache_ttl"`
		VersionPoll  time.Duration `mapstructure:"version_poll"`
		FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
		// Channel settings for connector websocket sessions.
		RequestTimeout   time.Duration `mapstructure:"request_timeout"`
		PingInterval     time.Duration `mapstructure:"ping_interval"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	} `mapstructure:"connectors"`
	Telemetry struct {
		OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
		SampleRatio    float64       `mapstructure:"sample_ratio"`
		ExportInterval time.Duration `mapstructure:"export_interval"`
	} `mapstructure:"telemetry"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// KeepAliveInterval returns the trigger keep-alive cadence.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.Engine.KeepAliveIntervalMS) * time.Millisecond
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// LoadConfig loads the configuration from an optional .env file, a config
// file and the environment. A missing config file is not an error.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Legacy environment names used by deployed connectors and scripts.
	_ = v.BindEnv("engine.keepalive_interval_ms", "KEEPALIVE_INTERVAL")
	_ = v.BindEnv("auth.master_key", "MASTER_KEY")
	_ = v.BindEnv("connectors.schema_url", "CONNECTOR_SCHEMA_URL")
	_ = v.BindEnv("connectors.web3_url", "WEB3_CONNECTOR_URL")
	_ = v.BindEnv("app.log_json", "LOG_JSON")
	_ = v.BindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("telemetry.sample_ratio", "OTEL_TRACES_SAMPLER_ARG")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.Connectors.SchemaURL = strings.TrimRight(strings.TrimSpace(config.Connectors.SchemaURL), "/")
	if config.Engine.KeepAliveIntervalMS <= 0 {
		config.Engine.KeepAliveIntervalMS = 60000
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("app.name", "nexus-orchestrator")
	v.SetDefault("app.log_level", "INFO")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "orchestrator")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.swagger_client_id", "")
	v.SetDefault("auth.dev_account", "eip155:1:0x0000000000000000000000000000000000000000")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls_addr", ":8443")
	v.SetDefault("engine.load_workflows", true)
	v.SetDefault("engine.keepalive_interval_ms", 60000)
	v.SetDefault("connectors.schema_dir", "")
	v.SetDefault("connectors.cache_size", 1000)
	v.SetDefault("connectors.cache_ttl", time.Hour)
	v.SetDefault("connectors.version_poll", time.Minute)
	v.SetDefault("connectors.fetch_timeout", 30*time.Second)
	v.SetDefault("connectors.request_timeout", 60*time.Second)
	v.SetDefault("connectors.ping_interval", 5*time.Second)
	v.SetDefault("connectors.handshake_timeout", 10*time.Second)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 0.1)
	v.SetDefault("telemetry.export_interval", time.Minute)
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	iss := strings.TrimSpace(input)
	if strings.HasSuffix(iss, "/") {
		iss = strings.TrimRight(iss, "/")
	}
	return iss
}
