// Package update implements the self-update flow: version check against a
// plain-text endpoint, a cancellable download with progress, signature
// re-verification and the hand-off to the platform installer.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/devicelock/devicelock-agent/internal/config"
	"github.com/devicelock/devicelock-agent/internal/domain"
	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrBadVersion is returned when the version endpoint does not serve an integer.
var ErrBadVersion = errors.New("remote version is not an integer")

// maxTextBody bounds the version and changelog responses.
const maxTextBody = 64 << 10

// Verifier checks downloaded files and the running build.
type Verifier interface {
	VerifyUpdate(ctx context.Context, path string) (string, error)
	IsLegitimate(ctx context.Context) bool
}

// Launcher hands a verified APK to the interactive installer.
type Launcher interface {
	LaunchInstaller(ctx context.Context, apkPath string) error
}

// Progress is one event of a download. Percent never decreases; the last
// event has either Done set with Percent 100, or Err set.
type Progress struct {
	Percent int
	Done    bool
	Err     error
}

// Manager 自更新管理器
type Manager struct {
	cfg        *config.UpdateConfig
	httpClient *http.Client
	verifier   Verifier
	launcher   Launcher
	metrics    *metrics.Collector
	logger     *logrus.Logger
}

// NewManager 创建更新管理器
func NewManager(cfg *config.UpdateConfig, verifier Verifier, launcher Launcher, logger *logrus.Logger, m *metrics.Collector) *Manager {
	return &Manager{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeoutDuration(),
		},
		verifier: verifier,
		launcher: launcher,
		metrics:  m,
		logger:   logger,
	}
}

// CheckForUpdate returns the available update, or nil when the remote
// version is not newer. Unofficial builds never check.
func (m *Manager) CheckForUpdate(ctx context.Context) (*domain.UpdateInfo, error) {
	if !m.verifier.IsLegitimate(ctx) {
		m.metrics.RecordUpdateCheck(metrics.OutcomeSkipped)
		m.logger.Debug("Unofficial build, skipping update check")
		return nil, nil
	}

	info, err := m.check(ctx)
	switch {
	case err != nil:
		m.metrics.RecordUpdateCheck(metrics.OutcomeFailed)
		m.logger.WithError(err).Warn("Update check failed")
	case info == nil:
		m.metrics.RecordUpdateCheck(metrics.OutcomeNoUpdate)
	default:
		m.metrics.RecordUpdateCheck(metrics.OutcomeAvailable)
		m.logger.WithFields(logrus.Fields{
			"local_version":  m.cfg.VersionCode,
			"remote_version": info.VersionCode,
		}).Info("Update available")
	}
	return info, err
}

func (m *Manager) check(ctx context.Context) (*domain.UpdateInfo, error) {
	body, err := m.getText(ctx, m.cfg.VersionURL)
	if err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}
	remote, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadVersion, truncate(body, 32))
	}
	if remote <= m.cfg.VersionCode {
		return nil, nil
	}

	changelog, err := m.getText(ctx, m.cfg.ChangelogURL)
	if err != nil {
		return nil, fmt.Errorf("fetch changelog: %w", err)
	}

	return &domain.UpdateInfo{
		VersionCode: remote,
		Changelog:   strings.TrimSpace(changelog),
		DownloadURL: m.cfg.APKURL,
	}, nil
}

func (m *Manager) getText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request failed: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTextBody))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

// DownloadAndInstall streams the update APK to disk, verifies it against
// the installed agent and launches the installer. The channel is closed
// after the final event. Cancelling ctx aborts the download and removes
// the partial file.
func (m *Manager) DownloadAndInstall(ctx context.Context, info *domain.UpdateInfo) <-chan Progress {
	ch := make(chan Progress, 8)
	go func() {
		defer close(ch)
		m.run(ctx, info, ch)
	}()
	return ch
}

func (m *Manager) run(ctx context.Context, info *domain.UpdateInfo, ch chan<- Progress) {
	last := -1
	emit := func(p Progress) bool {
		if !p.Done && p.Percent <= last {
			return true
		}
		last = p.Percent
		select {
		case ch <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}
	failWith := func(err error) {
		m.logger.WithError(err).Warn("Update install aborted")
		final := Progress{Percent: max(last, 0), Err: err}
		select {
		case ch <- final:
		case <-ctx.Done():
			// consumer may be gone; still leave the failure if there is room
			select {
			case ch <- final:
			default:
			}
		}
	}

	if info == nil {
		failWith(errors.New("no update to install"))
		return
	}
	url := info.DownloadURL
	if url == "" {
		url = m.cfg.APKURL
	}

	start := time.Now()
	path, err := m.download(ctx, url, info.VersionCode, emit)
	if err != nil {
		failWith(err)
		return
	}

	pkg, err := m.verifier.VerifyUpdate(ctx, path)
	if err != nil {
		_ = os.Remove(path)
		failWith(fmt.Errorf("downloaded update rejected: %w", err))
		return
	}

	if err := m.launcher.LaunchInstaller(ctx, path); err != nil {
		_ = os.Remove(path)
		failWith(fmt.Errorf("launch installer: %w", err))
		return
	}

	m.logger.WithFields(logrus.Fields{
		"package":     pkg,
		"version":     info.VersionCode,
		"apk_path":    path,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Verified update handed to installer")
	emit(Progress{Percent: 100, Done: true})
}

// download writes the body to <dir>/update-<version>.apk. Progress is
// capped at 99 until the file has been verified.
func (m *Manager) download(ctx context.Context, url string, version int, emit func(Progress) bool) (string, error) {
	if err := os.MkdirAll(m.cfg.DownloadDir, 0755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	final := filepath.Join(m.cfg.DownloadDir, fmt.Sprintf("update-%d.apk", version))
	partial := final + ".part"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request failed: %w", err)
	}
	// the whole transfer may take longer than the text timeout
	client := &http.Client{Transport: m.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", partial, err)
	}
	cleanup := func() {
		out.Close()
		os.Remove(partial)
	}

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 32<<10)
	emit(Progress{Percent: 0})

	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				cleanup()
				return "", fmt.Errorf("write %s: %w", partial, err)
			}
			written += int64(n)
			m.metrics.AddDownloadBytes(n)
			if total > 0 {
				pct := int(written * 100 / total)
				if pct > 99 {
					pct = 99
				}
				if !emit(Progress{Percent: pct}) {
					cleanup()
					return "", ctx.Err()
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cleanup()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("read body: %w", rerr)
		}
	}

	if total > 0 && written != total {
		cleanup()
		return "", fmt.Errorf("download truncated: %d of %d bytes", written, total)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("close %s: %w", partial, err)
	}
	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("rename %s: %w", partial, err)
	}
	return final, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
