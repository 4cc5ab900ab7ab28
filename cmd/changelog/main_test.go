package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		SourceDriver: "sqlite",
		SourceDSN:    filepath.Join(t.TempDir(), "changelog.db"),
		QueryTimeout: 5 * time.Second,
		KeyChunkSize: 100,
	}
}

func exec(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), cfg, args, &out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return out.String(), err
}

func TestRecordPendingAndCursor(t *testing.T) {
	cfg := testConfig(t)

	out, err := exec(t, cfg, "record", "-code", "10", "-op", "U")
	require.NoError(t, err)
	var recorded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recorded))
	assert.Equal(t, "UPDATE", recorded["operation"])
	assert.EqualValues(t, 1, recorded["pending"])

	_, err = exec(t, cfg, "record", "-code", "20", "-op", "DELETE")
	require.NoError(t, err)

	out, err = exec(t, cfg, "pending")
	require.NoError(t, err)
	var events []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 2)
	assert.EqualValues(t, 10, events[0]["Code"])
	assert.Equal(t, "DELETE", events[1]["Operation"])

	out, err = exec(t, cfg, "cursor")
	require.NoError(t, err)
	var cursor map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &cursor))
	assert.Equal(t, true, cursor["never_synced"])
	assert.Nil(t, cursor["last_sync_time"])
}

func TestUsageErrorsDoNotTouchTheDatabase(t *testing.T) {
	cfg := &config.Config{SourceDriver: "nope"}

	for _, args := range [][]string{
		nil,
		{"explode"},
		{"record", "-code", "10", "-op", "MERGE"},
		{"record", "-op", "U"},
		{"record", "-bogus"},
	} {
		_, err := exec(t, cfg, args...)
		require.ErrorIs(t, err, errUsage, "args %v", args)
	}
}
