// Package installer installs companion APKs bundled with the agent through
// the platform's session-based installer. Results arrive asynchronously on
// Results(), decoupled from whoever started the session.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Installer 伴生应用安装器
type Installer struct {
	assetsDir string
	pi        platform.PackageInstaller
	logger    *logrus.Logger
	metrics   *metrics.Collector

	results   chan platform.InstallResult
	mu        sync.Mutex
	pending   map[string]string // session id -> asset file
	listeners []func(platform.InstallResult)
}

// NewInstaller 创建安装器
func NewInstaller(assetsDir string, pi platform.PackageInstaller, logger *logrus.Logger, m *metrics.Collector) *Installer {
	return &Installer{
		assetsDir: assetsDir,
		pi:        pi,
		logger:    logger,
		metrics:   m,
		results:   make(chan platform.InstallResult, 16),
		pending:   make(map[string]string),
	}
}

// AssetPath 返回内置 APK 的完整路径
func (i *Installer) AssetPath(name string) string {
	return filepath.Join(i.assetsDir, name)
}

// InstallAsset starts a session for a bundled APK and returns its id
// without waiting for the outcome.
func (i *Installer) InstallAsset(ctx context.Context, name string) (string, error) {
	path := i.AssetPath(name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("bundled asset %s: %w", name, err)
	}
	return i.InstallFile(ctx, path)
}

// InstallFile starts a session for an arbitrary, already verified APK.
func (i *Installer) InstallFile(ctx context.Context, path string) (string, error) {
	sessionID := uuid.New().String()

	i.mu.Lock()
	i.pending[sessionID] = filepath.Base(path)
	i.mu.Unlock()

	i.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"apk_path":   path,
	}).Info("Starting install session")

	if err := i.pi.InstallSession(ctx, sessionID, path, i.receive); err != nil {
		i.mu.Lock()
		delete(i.pending, sessionID)
		i.mu.Unlock()
		return "", fmt.Errorf("install session failed: %w", err)
	}
	return sessionID, nil
}

// Results 安装结果通道
func (i *Installer) Results() <-chan platform.InstallResult {
	return i.results
}

// OnResult registers fn to run for every session outcome, before the
// result is offered on Results(). fn must not start a session itself.
func (i *Installer) OnResult(fn func(platform.InstallResult)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners = append(i.listeners, fn)
}

// Pending 返回尚未回调的会话数
func (i *Installer) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

func (i *Installer) receive(res platform.InstallResult) {
	i.mu.Lock()
	asset := i.pending[res.SessionID]
	delete(i.pending, res.SessionID)
	listeners := append(([]func(platform.InstallResult))(nil), i.listeners...)
	i.mu.Unlock()

	fields := logrus.Fields{
		"session_id": res.SessionID,
		"package":    res.Package,
		"asset":      asset,
		"status":     res.Status.String(),
	}
	if res.Status == platform.InstallSuccess {
		i.logger.WithFields(fields).Info("Install session succeeded")
	} else {
		i.logger.WithFields(fields).WithField("message", res.Message).Warn("Install session failed")
	}
	i.metrics.RecordInstall(res.Status.String())

	for _, fn := range listeners {
		fn(res)
	}

	select {
	case i.results <- res:
	default:
		i.logger.WithField("session_id", res.SessionID).Warn("Install result dropped, receiver not draining")
	}
}
