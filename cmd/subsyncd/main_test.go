package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecraft/subsync/internal/config"
)

func TestRootCmd_Version(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "subsyncd dev"))
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"reconcile"},
		{"dead-letters", "list"},
		{"dead-letters", "retry"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"purge-events"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestPurgeEventsCmd(t *testing.T) {
	t.Setenv("SUBSYNC_STORAGE", "bolt")
	t.Setenv("SUBSYNC_DB_PATH", filepath.Join(t.TempDir(), "subsync.bolt"))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "purge-events"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "purged=0\n", out.String())
}

func TestDeadLettersListCmd_Empty(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "dead-letters", "list"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "ATTEMPTS")
}

func TestReconcileCmd_RequiresProvider(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "reconcile"})
	assert.Error(t, root.Execute())
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, cfg := range []config.StorageConfig{
		{Backend: config.BackendMemory},
		{Backend: config.BackendBolt, Path: filepath.Join(dir, "a.bolt")},
		{Backend: config.BackendSQLite, Path: filepath.Join(dir, "a.db")},
	} {
		store, closeFn, err := openStorage(ctx, cfg, nil)
		require.NoError(t, err, cfg.Backend)
		assert.NotNil(t, store)
		assert.NoError(t, closeFn())
	}

	_, closeFn, err := openStorage(ctx, config.StorageConfig{Backend: "cassandra"}, nil)
	assert.Error(t, err)
	assert.NoError(t, closeFn())

	_, _, err = openStorage(ctx, config.StorageConfig{Backend: config.BackendRedis, RedisURL: "::not a url"}, nil)
	assert.Error(t, err)
}
