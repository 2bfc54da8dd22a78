package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration using viper.
// CLI flags > environment > config file > defaults precedence; flags are
// bound by the caller on the viper instance passed to Load.
func LoadConfig(configPath string) (*Config, error) {
	return Load(viper.New(), configPath)
}

// Load is LoadConfig over a caller-prepared viper instance, typically one
// with command flags already bound.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are environment-only.
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			GRPCPort:        v.GetInt("server.grpc_port"),
			HTTPPort:        v.GetInt("server.http_port"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			MaxBatchSize:    v.GetInt("server.max_batch_size"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Catalog: CatalogConfig{
			Path: v.GetString("catalog.path"),
			TTL:  v.GetDuration("catalog.ttl"),
		},
		Failures: FailuresConfig{
			Log:          v.GetBool("failures.log"),
			Store:        v.GetBool("failures.store"),
			KafkaBrokers: splitList(v.GetStringSlice("failures.kafka_brokers")),
			KafkaTopic:   v.GetString("failures.kafka_topic"),
			Timeout:      v.GetDuration("failures.timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.grpc_port", d.Server.GRPCPort)
	v.SetDefault("server.http_port", d.Server.HTTPPort)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.String())
	v.SetDefault("server.max_batch_size", d.Server.MaxBatchSize)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.ttl", d.Catalog.TTL.String())
	v.SetDefault("failures.log", d.Failures.Log)
	v.SetDefault("failures.store", d.Failures.Store)
	v.SetDefault("failures.kafka_brokers", []string{})
	v.SetDefault("failures.kafka_topic", d.Failures.KafkaTopic)
	v.SetDefault("failures.timeout", d.Failures.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// splitList accepts both YAML lists and comma-separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// validateConfig checks port ranges and positive limits.
func validateConfig(cfg *Config) error {
	if !validPort(cfg.Server.GRPCPort) {
		return fmt.Errorf("grpc_port must be between 1 and 65535, got %d", cfg.Server.GRPCPort)
	}
	if !validPort(cfg.Server.HTTPPort) {
		return fmt.Errorf("http_port must be between 1 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort == cfg.Server.HTTPPort {
		return fmt.Errorf("grpc_port and http_port must differ, both are %d", cfg.Server.GRPCPort)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive, got %d", cfg.Server.MaxBatchSize)
	}
	if cfg.Catalog.TTL < 0 {
		return fmt.Errorf("catalog ttl must not be negative, got %v", cfg.Catalog.TTL)
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.Failures.Timeout <= 0 {
		return fmt.Errorf("failures timeout must be positive, got %v", cfg.Failures.Timeout)
	}
	if len(cfg.Failures.KafkaBrokers) > 0 && cfg.Failures.KafkaTopic == "" {
		return fmt.Errorf("kafka_topic is required when kafka_brokers are set")
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use %s_HMAC_SECRET environment variable)", EnvPrefix)
	}
	return nil
}
