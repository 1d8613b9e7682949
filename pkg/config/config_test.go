package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelog/gatelog/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GATELOG_CONFIG", "")

	cfg, err := config.Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, ":3000", cfg.Addr())
	assert.Equal(t, "awaited", cfg.Anchor.Mode)
	assert.Equal(t, 30*time.Second, cfg.Anchor.Timeout)
	assert.Equal(t, "http://localhost:8080/mine", cfg.Anchor.LocalEndpoint)
	assert.False(t, cfg.Public.Enabled)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Minute, cfg.Anchor.Lease)
}

func TestLoad_SigningCredentialOnlyWhenPublicEnabled(t *testing.T) {
	t.Setenv("GATELOG_CONFIG", "")
	t.Setenv("SIGNING_CREDENTIAL", "deadbeef")

	cfg, err := config.Load("", "")
	require.NoError(t, err)
	assert.Empty(t, cfg.Public.SigningKey)
	v, ok := os.LookupEnv("SIGNING_CREDENTIAL")
	assert.True(t, ok, "left in place when the public ledger is off")
	assert.Equal(t, "deadbeef", v)

	t.Setenv("PUBLIC_LEDGER_ENABLED", "true")
	t.Setenv("PUBLIC_LEDGER_PROVIDER_URL", "https://rpc.example")
	t.Setenv("CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000001")
	t.Setenv("CONTRACT_ABI_PATH", filepath.Join(t.TempDir(), "abi.json"))

	cfg, err = config.Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", cfg.Public.SigningKey)
	_, ok = os.LookupEnv("SIGNING_CREDENTIAL")
	assert.False(t, ok, "removed once read")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATELOG_CONFIG", "")
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://gatelog@db:5432/gatelog")
	t.Setenv("ANCHOR_MODE", "queued")
	t.Setenv("ANCHOR_TIMEOUT", "5s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CORS_ORIGINS", "https://ops.example.com")
	t.Setenv("MQTT_QOS", "2")

	cfg, err := config.Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://gatelog@db:5432/gatelog", cfg.DatabaseURL)
	assert.Equal(t, "queued", cfg.Anchor.Mode)
	assert.Equal(t, 5*time.Second, cfg.Anchor.Timeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, byte(2), cfg.MQTT.QoS)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatelog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "4000"
database_url: memory://
anchor:
  timeout: 10s
  max_attempts: 3
object_ledger:
  bucket: gate-anchors
`), 0o644))
	t.Setenv("GATELOG_CONFIG", path)
	t.Setenv("ANCHOR_MAX_ATTEMPTS", "5")

	cfg, err := config.Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.Port)
	assert.Equal(t, "memory://", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Second, cfg.Anchor.Timeout)
	assert.Equal(t, 5, cfg.Anchor.MaxAttempts, "environment wins over the file")
	assert.Equal(t, "gate-anchors", cfg.Object.Bucket)
	assert.Equal(t, "s3", cfg.Object.Provider)
	assert.Equal(t, 2*time.Second, cfg.Anchor.PollInterval, "unset keys keep defaults")
}

func TestLoad_DotEnv(t *testing.T) {
	t.Setenv("GATELOG_CONFIG", "")
	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("LOCAL_LEDGER_ENDPOINT=http://chain:8080/mine\n"), 0o644))
	t.Setenv("LOCAL_LEDGER_ENDPOINT", "http://override:8080/mine")

	cfg, err := config.Load("", dotenv)
	require.NoError(t, err)
	assert.Equal(t, "http://override:8080/mine", cfg.Anchor.LocalEndpoint)

	_, err = config.Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"defaults", func(*config.Config) {}, ""},
		{"unknown mode", func(c *config.Config) { c.Anchor.Mode = "later" }, "ANCHOR_MODE"},
		{"public without key", func(c *config.Config) {
			c.Public.Enabled = true
			c.Public.ProviderURL = "https://rpc.example"
			c.Public.ContractAddress = "0x0000000000000000000000000000000000000001"
		}, "SIGNING_CREDENTIAL"},
		{"public complete", func(c *config.Config) {
			c.Public.Enabled = true
			c.Public.ProviderURL = "https://rpc.example"
			c.Public.ContractAddress = "0x0000000000000000000000000000000000000001"
			c.Public.SigningKey = "deadbeef"
		}, ""},
		{"bad object provider", func(c *config.Config) {
			c.Object.Bucket = "b"
			c.Object.Provider = "azure"
		}, "OBJECT_LEDGER_PROVIDER"},
		{"mqtt without topic", func(c *config.Config) {
			c.MQTT.Broker = "tcp://broker:1883"
			c.MQTT.Topic = ""
		}, "MQTT_TOPIC"},
		{"zero timeout", func(c *config.Config) { c.Anchor.Timeout = 0 }, "ANCHOR_TIMEOUT"},
		{"lease shorter than receipt wait", func(c *config.Config) {
			c.Public.Enabled = true
			c.Public.ProviderURL = "https://rpc.example"
			c.Public.ContractAddress = "0x0000000000000000000000000000000000000001"
			c.Public.SigningKey = "deadbeef"
			c.Public.ReceiptTimeout = 2 * time.Minute
			c.Anchor.Lease = 2 * time.Minute
		}, "ANCHOR_LEASE"},
		{"lease leaves no settling room", func(c *config.Config) {
			c.Public.Enabled = true
			c.Public.ProviderURL = "https://rpc.example"
			c.Public.ContractAddress = "0x0000000000000000000000000000000000000001"
			c.Public.SigningKey = "deadbeef"
			c.Public.ReceiptTimeout = 90 * time.Second
			c.Anchor.Lease = 100 * time.Second
		}, "ANCHOR_LEASE"},
		{"lease ignored without public ledger", func(c *config.Config) {
			c.Anchor.Lease = time.Second
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
