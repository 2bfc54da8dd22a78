package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	secretA = "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
	secretB = "fedcba9876543210fedcba9876543210:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
)

func clearSecrets(t *testing.T) {
	t.Helper()
	for _, k := range []string{"POP_HMAC_SECRET", "POP_HMAC_SECRET_1", "POP_HMAC_SECRET_2"} {
		t.Setenv(k, "")
	}
}

func TestHMACSecrets(t *testing.T) {
	t.Run("single secret", func(t *testing.T) {
		clearSecrets(t)
		t.Setenv("POP_HMAC_SECRET", secretA)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 1 {
			t.Errorf("expected 1 secret, got %d", len(secrets))
		}
		if _, ok := secrets["0123456789abcdef0123456789abcdef"]; !ok {
			t.Errorf("secret_id not found in map")
		}
	})

	t.Run("multiple numbered secrets", func(t *testing.T) {
		clearSecrets(t)
		t.Setenv("POP_HMAC_SECRET_1", secretA)
		t.Setenv("POP_HMAC_SECRET_2", secretB)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 2 {
			t.Errorf("expected 2 secrets, got %d", len(secrets))
		}
	})

	t.Run("numbering stops at first gap", func(t *testing.T) {
		clearSecrets(t)
		t.Setenv("POP_HMAC_SECRET_2", secretB)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 0 {
			t.Errorf("expected no secrets, got %d", len(secrets))
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		clearSecrets(t)
		t.Setenv("POP_HMAC_SECRET", "invalid_format")

		if _, err := HMACSecrets(); err == nil {
			t.Error("expected error for invalid format")
		}
	})

	t.Run("duplicate secret_id in numbered secrets", func(t *testing.T) {
		clearSecrets(t)
		t.Setenv("POP_HMAC_SECRET_1", secretA)
		t.Setenv("POP_HMAC_SECRET_2", "0123456789abcdef0123456789abcdef:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")

		if _, err := HMACSecrets(); err == nil {
			t.Error("expected error for duplicate secret_id")
		}
	})

	t.Run("duplicate secret_id between single and numbered", func(t *testing.T) {
		clearSecrets(t)
		t.Setenv("POP_HMAC_SECRET", secretA)
		t.Setenv("POP_HMAC_SECRET_1", secretA)

		if _, err := HMACSecrets(); err == nil {
			t.Error("expected error for duplicate secret_id between POP_HMAC_SECRET and POP_HMAC_SECRET_1")
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("expected host 0.0.0.0, got %s", cfg.Server.Host)
		}
		if cfg.Server.GRPCPort != 50051 {
			t.Errorf("expected grpc port 50051, got %d", cfg.Server.GRPCPort)
		}
		if cfg.Server.HTTPPort != 8080 {
			t.Errorf("expected http port 8080, got %d", cfg.Server.HTTPPort)
		}
		if cfg.Server.RequestTimeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", cfg.Server.RequestTimeout)
		}
		if cfg.Server.MaxBatchSize != 1000 {
			t.Errorf("expected max_batch_size 1000, got %d", cfg.Server.MaxBatchSize)
		}
		if cfg.Catalog.TTL != 5*time.Minute {
			t.Errorf("expected catalog ttl 5m, got %v", cfg.Catalog.TTL)
		}
		if cfg.Catalog.Path != "" {
			t.Errorf("expected no catalog path, got %s", cfg.Catalog.Path)
		}
		if !cfg.Failures.Log || !cfg.Failures.Store {
			t.Errorf("expected log and store sinks enabled by default")
		}
		if len(cfg.Failures.KafkaBrokers) != 0 {
			t.Errorf("expected no kafka brokers, got %v", cfg.Failures.KafkaBrokers)
		}
		if cfg.Failures.Timeout != 5*time.Second {
			t.Errorf("expected failures timeout 5s, got %v", cfg.Failures.Timeout)
		}
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("POP_SERVER_GRPC_PORT", "9999")
		t.Setenv("POP_SERVER_HOST", "127.0.0.1")
		t.Setenv("POP_FAILURES_KAFKA_BROKERS", "k1:9092, k2:9092")

		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.GRPCPort != 9999 {
			t.Errorf("expected port 9999, got %d", cfg.Server.GRPCPort)
		}
		if cfg.Server.Host != "127.0.0.1" {
			t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
		}
		if len(cfg.Failures.KafkaBrokers) != 2 || cfg.Failures.KafkaBrokers[1] != "k2:9092" {
			t.Errorf("expected two brokers, got %v", cfg.Failures.KafkaBrokers)
		}
	})

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "populator.yaml")
		content := `server:
  http_port: 8181
catalog:
  path: ./catalog.yaml
  ttl: 1m
failures:
  kafka_brokers: [broker:9092]
  kafka_topic: failures
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.HTTPPort != 8181 {
			t.Errorf("expected http port 8181, got %d", cfg.Server.HTTPPort)
		}
		if cfg.Catalog.Path != "./catalog.yaml" || cfg.Catalog.TTL != time.Minute {
			t.Errorf("unexpected catalog config %+v", cfg.Catalog)
		}
		if len(cfg.Failures.KafkaBrokers) != 1 || cfg.Failures.KafkaTopic != "failures" {
			t.Errorf("unexpected failures config %+v", cfg.Failures)
		}
	})

	t.Run("bound flag wins", func(t *testing.T) {
		t.Setenv("POP_SERVER_HTTP_PORT", "8282")

		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.Int("http-port", 0, "")
		if err := flags.Parse([]string{"--http-port=8383"}); err != nil {
			t.Fatal(err)
		}
		v := viper.New()
		if err := v.BindPFlag("server.http_port", flags.Lookup("http-port")); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(v, "")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.HTTPPort != 8383 {
			t.Errorf("expected flag value 8383, got %d", cfg.Server.HTTPPort)
		}
	})

	invalid := []struct {
		name, env, value string
	}{
		{"port range", "POP_SERVER_GRPC_PORT", "70000"},
		{"negative batch size", "POP_SERVER_MAX_BATCH_SIZE", "-1"},
		{"same ports", "POP_SERVER_HTTP_PORT", "50051"},
		{"negative ttl", "POP_CATALOG_TTL", "-1s"},
		{"zero failures timeout", "POP_FAILURES_TIMEOUT", "0s"},
		{"empty database url", "POP_DATABASE_URL", " "},
		{"unknown log format", "POP_LOG_FORMAT", "xml"},
	}
	for _, tt := range invalid {
		t.Run("invalid "+tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			if _, err := LoadConfig(""); err == nil {
				t.Errorf("expected error for %s=%s", tt.env, tt.value)
			}
		})
	}
}

func TestParseHMACSecret(t *testing.T) {
	t.Run("valid base64", func(t *testing.T) {
		secret, err := ParseHMACSecret("dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		if err != nil {
			t.Fatalf("ParseHMACSecret failed: %v", err)
		}
		if len(secret) < 32 {
			t.Errorf("secret too short: %d bytes", len(secret))
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := ParseHMACSecret("not-valid-base64!!!"); err == nil {
			t.Error("expected error for invalid base64")
		}
	})

	t.Run("secret too short", func(t *testing.T) {
		if _, err := ParseHMACSecret("c2hvcnQ="); err == nil {
			t.Error("expected error for secret < 32 bytes")
		}
	})
}

func TestParseHMACSecretWithID(t *testing.T) {
	secretID, secret, err := ParseHMACSecretWithID(secretA)
	if err != nil {
		t.Fatalf("ParseHMACSecretWithID failed: %v", err)
	}
	if secretID != "0123456789abcdef0123456789abcdef" {
		t.Errorf("unexpected secret_id: %s", secretID)
	}
	if len(secret) == 0 {
		t.Error("secret should not be empty")
	}

	bad := map[string]string{
		"missing colon":   "0123456789abcdef0123456789abcdef",
		"short id":        "tooshort:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
		"non-hex id":      "0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
		"uppercase hex":   "0123456789ABCDEF0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
		"short secret":    "0123456789abcdef0123456789abcdef:c2hvcnQ=",
		"bad base64 body": "0123456789abcdef0123456789abcdef:!!!",
	}
	for name, val := range bad {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ParseHMACSecretWithID(val); err == nil {
				t.Errorf("expected error for %q", val)
			}
		})
	}
}
