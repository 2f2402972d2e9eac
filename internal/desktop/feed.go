package desktop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/loggy"
)

// ErrChecksumMismatch is returned when a downloaded artifact does not match the manifest
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrRestartRequired is matched by the RestartRequest an install returns
var ErrRestartRequired = errors.New("restart required")

// RestartRequest asks the caller to shut down cleanly and then start
// Executable with Relaunch
type RestartRequest struct {
	Executable string
}

func (r *RestartRequest) Error() string {
	return fmt.Sprintf("restart required to run %s", r.Executable)
}

// Is makes errors.Is(err, ErrRestartRequired) match
func (r *RestartRequest) Is(target error) bool {
	return target == ErrRestartRequired
}

// Manifest is the release feed document
type Manifest struct {
	Releases []Release `json:"releases"`
}

// FeedUpdater implements Updater against a JSON release manifest
type FeedUpdater struct {
	feedURL     string
	channel     string
	current     *semver.Version
	downloadDir string
	maxRetries  uint64
	httpClient  *http.Client
	logger      *loggy.Logger
	executable  func() (string, error)
	restart     func(exe string) error
}

// NewFeedUpdater creates an updater for the running version in cfg
func NewFeedUpdater(cfg config.UpdateConfig, logger *loggy.Logger) (*FeedUpdater, error) {
	if cfg.FeedURL == "" {
		return nil, fmt.Errorf("update feed url is not configured")
	}

	current, err := semver.NewVersion(cfg.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("parsing current version %q: %w", cfg.CurrentVersion, err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "stable"
	}

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &FeedUpdater{
		feedURL:     cfg.FeedURL,
		channel:     channel,
		current:     current,
		downloadDir: cfg.DownloadDir,
		maxRetries:  uint64(retries),
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		logger:      logger,
		executable:  os.Executable,
		restart:     requestRestart,
	}, nil
}

// SetHTTPClient replaces the HTTP client
func (u *FeedUpdater) SetHTTPClient(client *http.Client) {
	u.httpClient = client
}

// SetExecutable overrides how the running binary is located
func (u *FeedUpdater) SetExecutable(fn func() (string, error)) {
	u.executable = fn
}

// SetRestart overrides the post-install restart hook
func (u *FeedUpdater) SetRestart(fn func(exe string) error) {
	u.restart = fn
}

// CurrentVersion returns the running version
func (u *FeedUpdater) CurrentVersion() string {
	return u.current.String()
}

// Check fetches the manifest and returns the newest release on the configured
// channel that is above the running version.
func (u *FeedUpdater) Check(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching release feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release feed returned %s", resp.Status)
	}

	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decoding release feed: %w", err)
	}

	var (
		best        *Release
		bestVersion *semver.Version
	)
	for i := range manifest.Releases {
		rel := &manifest.Releases[i]
		channel := rel.Channel
		if channel == "" {
			channel = "stable"
		}
		if channel != u.channel {
			continue
		}

		v, err := semver.NewVersion(rel.Version)
		if err != nil {
			u.logger.Warn("Skipping release with invalid version", "version", rel.Version, "error", err)
			continue
		}
		if !v.GreaterThan(u.current) {
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best, bestVersion = rel, v
		}
	}

	if best != nil {
		u.logger.Info("Update available", "current", u.current.String(), "available", best.Version)
	}
	return best, nil
}

// Download fetches the release artifact into the download directory,
// retrying transient failures with exponential backoff.
func (u *FeedUpdater) Download(ctx context.Context, release *Release, progress func(percent float64)) (string, error) {
	if release == nil || release.URL == "" {
		return "", fmt.Errorf("release has no download url")
	}
	if progress == nil {
		progress = func(float64) {}
	}

	if err := os.MkdirAll(u.downloadDir, 0755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	target := filepath.Join(u.downloadDir, "innkeep-"+release.Version)

	operation := func() error {
		return u.downloadOnce(ctx, release, target, progress)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), u.maxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return "", err
	}

	progress(100)
	return target, nil
}

func (u *FeedUpdater) downloadOnce(ctx context.Context, release *Release, target string, progress func(float64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.URL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		u.logger.Warn("Download attempt failed", "version", release.Version, "error", err)
		return fmt.Errorf("downloading release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download returned %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	counter := &progressWriter{total: resp.ContentLength, report: progress}
	if _, err := io.Copy(io.MultiWriter(tmp, hasher, counter), resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("writing release artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return backoff.Permanent(fmt.Errorf("closing temp file: %w", err))
	}

	if release.SHA256 != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(sum, release.SHA256) {
			return backoff.Permanent(fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, sum, release.SHA256))
		}
	} else {
		u.logger.Warn("Release has no checksum, skipping verification", "version", release.Version)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return backoff.Permanent(fmt.Errorf("staging release artifact: %w", err))
	}
	return nil
}

// Install swaps the running executable for the staged artifact, keeping the
// previous binary as <exe>.old, then runs the restart hook. The default hook
// returns a *RestartRequest instead of exiting.
func (u *FeedUpdater) Install(ctx context.Context, path string) error {
	exe, err := u.executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	if err := os.Chmod(path, 0755); err != nil {
		return fmt.Errorf("marking artifact executable: %w", err)
	}

	backup := exe + ".old"
	_ = os.Remove(backup)
	if err := os.Rename(exe, backup); err != nil {
		return fmt.Errorf("backing up current executable: %w", err)
	}

	if err := moveFile(path, exe); err != nil {
		if rbErr := os.Rename(backup, exe); rbErr != nil {
			u.logger.Error("Failed to restore previous executable", "error", rbErr)
		}
		return fmt.Errorf("installing new executable: %w", err)
	}

	u.logger.Info("Update installed, restarting", "executable", exe)
	return u.restart(exe)
}

// moveFile renames src to dst, copying when they are on different devices
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func requestRestart(exe string) error {
	return &RestartRequest{Executable: exe}
}

// Relaunch starts exe with the current arguments and environment. The caller
// exits afterwards, once its own shutdown has run.
func Relaunch(exe string) error {
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting new process: %w", err)
	}
	return cmd.Process.Release()
}

type progressWriter struct {
	total   int64
	written int64
	report  func(float64)
	last    int
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.total > 0 {
		pct := int(w.written * 100 / w.total)
		if pct > 100 {
			pct = 100
		}
		if pct != w.last {
			w.last = pct
			w.report(float64(pct))
		}
	}
	return len(p), nil
}
