// Package watcher installs APKs dropped into an inbox directory, but only
// after their signature matched the installed package they replace. Files
// are moved into a private staging directory first, so the bytes verified
// are the bytes installed.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Verifier checks a candidate APK and returns its package name.
type Verifier interface {
	VerifyUpdate(ctx context.Context, path string) (string, error)
}

// FileInstaller starts an install session for a verified file.
type FileInstaller interface {
	InstallFile(ctx context.Context, path string) (string, error)
}

// Event reports what happened to one inbox file. The file is gone either way.
type Event struct {
	File      string
	Package   string
	SessionID string
	Err       error
}

// InboxWatcher 安装收件箱监控
type InboxWatcher struct {
	watcher   *fsnotify.Watcher
	dir       string
	staging   string
	verifier  Verifier
	installer FileInstaller
	logger    *logrus.Logger

	debounce     time.Duration // 防抖时间
	pollInterval time.Duration // 写入完成检测间隔

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool

	events   chan Event
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewInboxWatcher 创建收件箱监控
//
// staging must be on the same filesystem as dir. Leftovers from an earlier
// run are discarded unverified.
func NewInboxWatcher(dir, staging string, verifier Verifier, installer FileInstaller, logger *logrus.Logger) (*InboxWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}
	if err := prepareStaging(staging); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch inbox: %w", err)
	}

	logger.WithField("inbox_dir", dir).Info("Inbox watcher created")

	return &InboxWatcher{
		watcher:      w,
		dir:          dir,
		staging:      staging,
		verifier:     verifier,
		installer:    installer,
		logger:       logger,
		debounce:     2 * time.Second,
		pollInterval: 500 * time.Millisecond,
		timers:       make(map[string]*time.Timer),
		processing:   make(map[string]bool),
		events:       make(chan Event, 16),
		stopChan:     make(chan struct{}),
	}, nil
}

// SetTiming overrides the debounce delay and the write-settle poll interval.
func (iw *InboxWatcher) SetTiming(debounce, poll time.Duration) {
	iw.debounce = debounce
	iw.pollInterval = poll
}

// Events delivers one Event per processed file. Events are dropped when
// nobody drains the channel.
func (iw *InboxWatcher) Events() <-chan Event { return iw.events }

// Dir 获取收件箱目录
func (iw *InboxWatcher) Dir() string { return iw.dir }

// StagingDir is where files wait while they are verified and installed.
func (iw *InboxWatcher) StagingDir() string { return iw.staging }

func prepareStaging(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	// MkdirAll keeps the mode of an existing directory
	if err := os.Chmod(dir, 0700); err != nil {
		return fmt.Errorf("failed to restrict staging directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan staging directory: %w", err)
	}
	for _, entry := range entries {
		_ = os.RemoveAll(filepath.Join(dir, entry.Name()))
	}
	return nil
}

// Start picks up files already waiting in the inbox, then follows new ones.
func (iw *InboxWatcher) Start(ctx context.Context) error {
	entries, err := os.ReadDir(iw.dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && isAPK(entry.Name()) {
			iw.schedule(ctx, filepath.Join(iw.dir, entry.Name()))
		}
	}

	iw.wg.Add(1)
	go iw.eventLoop(ctx)
	iw.logger.Info("Inbox watcher started")
	return nil
}

func (iw *InboxWatcher) eventLoop(ctx context.Context) {
	defer iw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-iw.stopChan:
			return
		case event, ok := <-iw.watcher.Events:
			if !ok {
				iw.logger.Warn("Watcher events channel closed")
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isAPK(filepath.Base(event.Name)) {
				continue
			}
			iw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("Inbox event")
			iw.schedule(ctx, event.Name)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule (re)arms the debounce timer for path.
func (iw *InboxWatcher) schedule(ctx context.Context, path string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if t, ok := iw.timers[path]; ok {
		t.Stop()
	}
	iw.timers[path] = time.AfterFunc(iw.debounce, func() {
		iw.mu.Lock()
		delete(iw.timers, path)
		busy := iw.processing[path]
		iw.processing[path] = true
		iw.mu.Unlock()
		if busy {
			return
		}
		defer func() {
			iw.mu.Lock()
			delete(iw.processing, path)
			iw.mu.Unlock()
		}()
		iw.handleFile(ctx, path)
	})
}

func (iw *InboxWatcher) handleFile(ctx context.Context, path string) {
	log := iw.logger.WithField("file", filepath.Base(path))

	if err := iw.waitForFileReady(ctx, path); err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.WithError(err).Warn("Inbox file not ready")
		return
	}

	ev := Event{File: path}
	defer func() {
		select {
		case iw.events <- ev:
		default:
		}
	}()

	staged := filepath.Join(iw.staging, uuid.New().String()+".apk")
	if err := os.Rename(path, staged); err != nil {
		ev.Err = fmt.Errorf("stage %s: %w", filepath.Base(path), err)
		log.WithError(err).Warn("Failed to stage inbox file")
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithError(rmErr).Warn("Failed to remove inbox file")
		}
		return
	}
	defer func() {
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to remove staged file")
		}
	}()

	pkg, err := iw.verifier.VerifyUpdate(ctx, staged)
	if err != nil {
		ev.Err = err
		log.WithError(err).Warn("Inbox APK rejected")
		return
	}
	ev.Package = pkg

	sessionID, err := iw.installer.InstallFile(ctx, staged)
	if err != nil {
		ev.Err = err
		log.WithError(err).WithField("package", pkg).Error("Inbox install failed")
		return
	}
	ev.SessionID = sessionID

	log.WithFields(logrus.Fields{
		"package":    pkg,
		"session_id": sessionID,
	}).Info("Inbox APK handed to installer")
}

// waitForFileReady 等待文件写入完成（大小稳定且非空）
func (iw *InboxWatcher) waitForFileReady(ctx context.Context, path string) error {
	const maxAttempts = 10
	var last int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() > 0 && info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(iw.pollInterval):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

func isAPK(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".apk") && !strings.HasPrefix(name, ".")
}

// Stop 停止监控
func (iw *InboxWatcher) Stop() error {
	var err error
	iw.stopOnce.Do(func() {
		close(iw.stopChan)
		err = iw.watcher.Close()
		iw.wg.Wait()

		iw.mu.Lock()
		for _, t := range iw.timers {
			t.Stop()
		}
		iw.mu.Unlock()
		iw.logger.Info("Inbox watcher stopped")
	})
	return err
}
