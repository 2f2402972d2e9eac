package desktop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/loggy"
)

func TestEnvironment(t *testing.T) {
	var nilEnv *Environment
	assert.False(t, nilEnv.IsDesktop())
	assert.Nil(t, nilEnv.Prober())
	assert.Equal(t, "browser", nilEnv.Mode())

	assert.False(t, Browser().IsDesktop())
	assert.False(t, NewEnvironment(nil).IsDesktop())

	prober := ProberFunc(func(context.Context) error { return nil })
	env := NewEnvironment(&Bridge{Prober: prober})
	assert.True(t, env.IsDesktop())
	assert.Equal(t, "desktop", env.Mode())
	assert.NotNil(t, env.Prober())
	assert.Nil(t, env.Updater())
	assert.Nil(t, env.AutoLauncher())
}

func TestDetect(t *testing.T) {
	logger := loggy.NewNoopLogger()

	cfg := config.New()
	cfg.Desktop.Enabled = false
	assert.False(t, Detect(cfg, nil, logger).IsDesktop())

	cfg.Desktop.Enabled = true
	cfg.Desktop.AppName = "innkeep"
	env := Detect(cfg, ProberFunc(func(context.Context) error { return nil }), logger)
	assert.True(t, env.IsDesktop())
	assert.Nil(t, env.Updater(), "no feed configured")
}

func TestFileAutoLauncher(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()

	tests := []struct {
		goos     string
		wantPath string
		contains string
	}{
		{"linux", filepath.Join(home, ".config", "autostart", "innkeep.desktop"), "Exec=/opt/innkeep/innkeep serve"},
		{"darwin", filepath.Join(home, "Library", "LaunchAgents", "com.innkeep.agent.plist"), "<string>serve</string>"},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			launcher, err := newAutoLauncherFor(tt.goos, home, "", "innkeep", "/opt/innkeep/innkeep", []string{"serve"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, launcher.Path())

			enabled, err := launcher.AutoLaunchEnabled(ctx)
			require.NoError(t, err)
			assert.False(t, enabled)

			require.NoError(t, launcher.SetAutoLaunch(ctx, true))
			enabled, err = launcher.AutoLaunchEnabled(ctx)
			require.NoError(t, err)
			assert.True(t, enabled)

			data, err := os.ReadFile(launcher.Path())
			require.NoError(t, err)
			assert.Contains(t, string(data), tt.contains)

			require.NoError(t, launcher.SetAutoLaunch(ctx, false))
			require.NoError(t, launcher.SetAutoLaunch(ctx, false), "disabling twice is a no-op")
			enabled, err = launcher.AutoLaunchEnabled(ctx)
			require.NoError(t, err)
			assert.False(t, enabled)
		})
	}

	_, err := newAutoLauncherFor("windows", home, "", "innkeep", "innkeep.exe", nil)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func newTestUpdater(t *testing.T, feedURL string) *FeedUpdater {
	t.Helper()
	u, err := NewFeedUpdater(config.UpdateConfig{
		FeedURL:        feedURL,
		Channel:        "stable",
		CurrentVersion: "1.2.0",
		DownloadDir:    t.TempDir(),
		MaxRetries:     2,
	}, loggy.NewNoopLogger())
	require.NoError(t, err)
	return u
}

func TestFeedUpdaterCheck(t *testing.T) {
	manifest := Manifest{Releases: []Release{
		{Version: "1.1.0"},
		{Version: "1.3.0", Channel: "stable"},
		{Version: "1.4.0-beta.1", Channel: "beta"},
		{Version: "1.2.5"},
		{Version: "not-a-version"},
	}}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(manifest)
	}))
	defer server.Close()

	u := newTestUpdater(t, server.URL)
	rel, err := u.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, "1.3.0", rel.Version)

	manifest.Releases = []Release{{Version: "1.0.0"}}
	rel, err = u.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rel, "nothing newer than the running version")
}

func TestFeedUpdaterCheckFeedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestUpdater(t, server.URL).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewFeedUpdaterValidation(t *testing.T) {
	_, err := NewFeedUpdater(config.UpdateConfig{CurrentVersion: "1.0.0"}, loggy.NewNoopLogger())
	assert.Error(t, err)

	_, err = NewFeedUpdater(config.UpdateConfig{FeedURL: "http://x", CurrentVersion: "dev"}, loggy.NewNoopLogger())
	assert.Error(t, err)
}

func TestFeedUpdaterDownload(t *testing.T) {
	artifact := []byte("#!/bin/sh\necho innkeep 1.3.0\n")
	sum := sha256.Sum256(artifact)

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(artifact)
	}))
	defer server.Close()

	u := newTestUpdater(t, server.URL)
	var last float64
	path, err := u.Download(context.Background(), &Release{
		Version: "1.3.0",
		URL:     server.URL + "/innkeep",
		SHA256:  hex.EncodeToString(sum[:]),
	}, func(p float64) { last = p })
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, artifact, data)
	assert.Equal(t, float64(100), last)
	assert.Equal(t, int32(2), attempts.Load(), "one transient failure then success")
}

func TestFeedUpdaterDownloadChecksumMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer server.Close()

	u := newTestUpdater(t, server.URL)
	_, err := u.Download(context.Background(), &Release{Version: "1.3.0", URL: server.URL, SHA256: "00"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestFeedUpdaterInstallRequestsRestart(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "innkeep")
	require.NoError(t, os.WriteFile(exe, []byte("old"), 0755))
	staged := filepath.Join(dir, "innkeep-1.3.0")
	require.NoError(t, os.WriteFile(staged, []byte("new"), 0644))

	u := newTestUpdater(t, "http://unused")
	u.SetExecutable(func() (string, error) { return exe, nil })

	// the default hook hands the restart back instead of exiting the test binary
	err := u.Install(context.Background(), staged)
	require.ErrorIs(t, err, ErrRestartRequired)

	var req *RestartRequest
	require.True(t, errors.As(err, &req))
	resolved, rerr := filepath.EvalSymlinks(exe)
	require.NoError(t, rerr)
	assert.Equal(t, resolved, req.Executable)

	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestFeedUpdaterInstall(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "innkeep")
	require.NoError(t, os.WriteFile(exe, []byte("old"), 0755))
	staged := filepath.Join(dir, "innkeep-1.3.0")
	require.NoError(t, os.WriteFile(staged, []byte("new"), 0644))

	u := newTestUpdater(t, "http://unused")
	u.SetExecutable(func() (string, error) { return exe, nil })
	var restarted string
	u.SetRestart(func(path string) error {
		restarted = path
		return nil
	})

	require.NoError(t, u.Install(context.Background(), staged))

	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	old, err := os.ReadFile(exe + ".old")
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
	assert.NotEmpty(t, restarted)
}
