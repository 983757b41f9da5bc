package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/leaseq")

	cfg, err := load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 5*time.Second, cfg.DBConnectionTimeout)
	assert.Equal(t, []string{"default"}, cfg.QueueNames)
	assert.Equal(t, "@every 60s", cfg.ReapSchedule)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/q.db")
	t.Setenv("PORT", "9090")
	t.Setenv("VISIBILITY_TIMEOUT", "10")
	t.Setenv("DELAY_SECONDS", "2")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("DEAD_LETTER_QUEUE", "parking")
	t.Setenv("QUEUE_NAMES", "orders, emails,,parking")

	cfg, err := load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, []string{"orders", "emails", "parking"}, cfg.QueueNames)

	assert.Equal(t, []queue.Definition{
		{Name: "orders", Visibility: 10 * time.Second, Delay: 2 * time.Second, DeadLetter: "parking", MaxRetries: 3},
		{Name: "emails", Visibility: 10 * time.Second, Delay: 2 * time.Second, DeadLetter: "parking", MaxRetries: 3},
		{Name: "parking", Visibility: 10 * time.Second, Delay: 2 * time.Second, MaxRetries: 3},
	}, cfg.Definitions())
}

func TestLoad_YAMLQueues(t *testing.T) {
	dir := t.TempDir()
	yaml := `
store_driver: memory
visibility_timeout: 20
queues:
  - name: orders
    visibility: 45s
    dead_letter: orders-dlq
    max_retries: 4
  - name: emails
    delay: 1m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("PORT", "7070")

	cfg, err := load(dir)
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, []queue.Definition{
		{Name: "orders", Visibility: 45 * time.Second, DeadLetter: "orders-dlq", MaxRetries: 4},
		{Name: "emails", Visibility: 20 * time.Second, Delay: time.Minute},
	}, cfg.Definitions())
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "postgres without url", env: map[string]string{"STORE_DRIVER": "postgres"}},
		{name: "unknown driver", env: map[string]string{"STORE_DRIVER": "mongo"}},
		{name: "port out of range", env: map[string]string{"STORE_DRIVER": "memory", "PORT": "70000"}},
		{name: "zero visibility", env: map[string]string{"STORE_DRIVER": "memory", "VISIBILITY_TIMEOUT": "0"}},
		{name: "negative retries", env: map[string]string{"STORE_DRIVER": "memory", "MAX_RETRIES": "-1"}},
		{name: "no queues", env: map[string]string{"STORE_DRIVER": "memory", "QUEUE_NAMES": " , "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := load(t.TempDir())
			assert.Nil(t, cfg)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("port: [unterminated"), 0o644))

	_, err := load(dir)
	assert.Error(t, err)
}
