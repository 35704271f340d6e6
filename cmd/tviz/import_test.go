package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kon-rad/tviz"
)

func TestImportCommandWritesLocalStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tviz.db")
	t.Setenv("TVIZ_DB_PATH", dbPath)
	t.Setenv("TVIZ_LOG_LEVEL", "error")

	logPath := filepath.Join(dir, "sft_run.jsonl")
	lines := "{\"step\": 0, \"loss\": 2.0, \"lr\": 0.0001}\n" +
		"{\"step\": 1, \"loss\": 1.5, \"lr\": 0.0001}\n" +
		"oops\n" +
		"{\"step\": 2, \"loss\": 1.25, \"custom\": 7}\n"
	require.NoError(t, os.WriteFile(logPath, []byte(lines), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"import", logPath, "--type", "sft"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Imported 3 steps (1 lines skipped)")

	store, err := tviz.OpenStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	runs, err := store.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "sft_run", runs[0].Name)
	assert.Equal(t, "sft", runs[0].Type)
	assert.NotNil(t, runs[0].EndedAt)

	steps, err := store.Steps(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, 0.0001, steps[0].Values["learning_rate"])
	assert.Equal(t, map[string]float64{"custom": 7}, steps[2].Extras)
}
