package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
request_workers = 4
scheduled_workers = 2

[batcher]
capacity = 100

[ingest]
source = "sqs"
sqs_queue_url = "https://sqs.example.test/queue"
`

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.RequestWorkers)
	assert.Equal(t, 100, cfg.Batcher.Capacity)
	assert.Equal(t, "sqs", cfg.Ingest.Source)
	// Retry config wasn't present in the file, so defaults still apply.
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadRejectsTooFewRequestWorkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("request_workers = 1\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadWithNoPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Batcher.Capacity, cfg.Batcher.Capacity)
}
