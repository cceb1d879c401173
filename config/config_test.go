package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DETECTION_MALICIOUS_PROCESSES", "")
	t.Setenv("INGEST_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"mimikatz.exe", "nc.exe"}, cfg.Detection.MaliciousProcesses)
	assert.Equal(t, 10*time.Second, cfg.Ingest.Timeout)
	assert.Equal(t, 64, cfg.Realtime.SendQueueSize)
	assert.Equal(t, int32(20), cfg.Database.MaxConns)
}

func TestLoad_PasswordCostFollowsKeyCost(t *testing.T) {
	t.Setenv("API_KEY_BCRYPT_COST", "11")
	t.Setenv("PASSWORD_BCRYPT_COST", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.JWT.BcryptCost)

	t.Setenv("PASSWORD_BCRYPT_COST", "13")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 13, cfg.JWT.BcryptCost)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DETECTION_SENSITIVE_PATHS", " system32 , /etc/shadow ,")
	t.Setenv("INGEST_BURST", "0")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"system32", "/etc/shadow"}, cfg.Detection.SensitivePathMarkers)
	assert.Equal(t, 1, cfg.Ingest.Burst)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_InvalidTimeout(t *testing.T) {
	t.Setenv("INGEST_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: "5432", DBName: "ocsafe", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/ocsafe?sslmode=disable", c.DSN())

	c.URL = "postgres://override"
	assert.Equal(t, "postgres://override", c.DSN())
}
