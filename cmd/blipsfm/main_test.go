package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blipsfm/internal/db"
	"github.com/banshee-data/blipsfm/internal/monitoring"
	"github.com/banshee-data/blipsfm/internal/vision/storage/sqlite"
)

func parse(t *testing.T, args ...string) (*options, error) {
	t.Helper()
	fs := flag.NewFlagSet("blipsfm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseFlags(fs, args)
}

func TestParseFlagsDefaults(t *testing.T) {
	o, err := parse(t, "-synthetic", "5")
	require.NoError(t, err)
	assert.Equal(t, 5, o.synthetic)
	assert.Equal(t, "blipsfm.db", o.dbPath)
	assert.Equal(t, "ops", o.logLevel)
	assert.True(t, o.exportInliers)
	assert.False(t, o.exportLatest)
	assert.Empty(t, o.listen)
	assert.Empty(t, o.grpcListen)
	assert.Zero(t, o.pace)
}

func TestParseFlagsVersionSkipsValidation(t *testing.T) {
	o, err := parse(t, "-version")
	require.NoError(t, err)
	assert.True(t, o.showVersion)
}

func TestParseFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no source", nil},
		{"both sources", []string{"-frames", "x", "-synthetic", "3"}},
		{"listen without db", []string{"-synthetic", "3", "-db", "", "-listen", ":0"}},
		{"negative pace", []string{"-synthetic", "3", "-pace", "-1s"}},
		{"bad export extension", []string{"-synthetic", "3", "-export", "cloud.obj"}},
		{"unknown flag", []string{"-synthetic", "3", "-bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestRunRejectsBadLogLevel(t *testing.T) {
	err := run(context.Background(), &options{synthetic: 2, logLevel: "loud"}, io.Discard)
	assert.Error(t, err)
}

func TestRunMissingFramesDir(t *testing.T) {
	defer monitoring.Configure(monitoring.LevelQuiet, nil)
	err := run(context.Background(), &options{
		framesDir: filepath.Join(t.TempDir(), "missing"),
		logLevel:  "quiet",
	}, io.Discard)
	assert.Error(t, err)
}

func TestRunSyntheticEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("renders and reconstructs a synthetic sequence")
	}
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()
	defer monitoring.Configure(monitoring.LevelQuiet, nil)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "recon.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"min_distance": 8, "min_tracked_points": 40}`), 0o644))
	dbPath := filepath.Join(dir, "runs.db")
	exportPath := filepath.Join(dir, "cloud.ply")
	plotsDir := filepath.Join(dir, "plots")

	var logs bytes.Buffer
	o := &options{
		synthetic:     10,
		configPath:    cfgPath,
		dbPath:        dbPath,
		plotsDir:      plotsDir,
		exportPath:    exportPath,
		exportInliers: true,
		logLevel:      "ops",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	require.NoError(t, run(ctx, o, &logs))

	d, err := db.Open(dbPath)
	require.NoError(t, err)
	defer d.Close()
	store := sqlite.NewRunStore(d.DB)

	latest, err := store.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, sqlite.RunStatusComplete, latest.Status)
	assert.Equal(t, 10, latest.Frames)
	assert.Equal(t, "synthetic:10", latest.Source)

	steps, err := store.ListSteps(latest.RunID)
	require.NoError(t, err)
	assert.Len(t, steps, 10)

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "ply\n"))

	_, err = os.Stat(filepath.Join(plotsDir, latest.RunID, "tracks.png"))
	assert.NoError(t, err)

	assert.Contains(t, logs.String(), "[pipeline]")
}
