package adb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionManager ADB 连接管理器
// 1. 互斥锁保护 ADB daemon 初始化
// 2. 连接复用（每个设备一个连接，避免重复 connect）
// 3. 心跳检测（定期检查连接状态并重连）
type ConnectionManager struct {
	runner Runner

	daemonMutex   sync.Mutex
	daemonStarted bool
	// daemonSettle is how long to wait after start-server.
	daemonSettle time.Duration

	connections map[string]bool
	connMutex   sync.RWMutex

	logger *logrus.Logger
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(runner Runner, logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		runner:       runner,
		daemonSettle: 2 * time.Second,
		connections:  make(map[string]bool),
		logger:       logger,
	}
}

// EnsureDaemonStarted 确保 ADB daemon 已启动（线程安全）
func (m *ConnectionManager) EnsureDaemonStarted(ctx context.Context) error {
	m.daemonMutex.Lock()
	defer m.daemonMutex.Unlock()

	if m.daemonStarted {
		return nil
	}

	if _, err := m.runner.Run(ctx, "devices"); err == nil {
		m.logger.Debug("ADB daemon already running")
		m.daemonStarted = true
		return nil
	}

	m.logger.Info("Starting ADB daemon")
	output, err := m.runner.Run(ctx, "start-server")
	if err != nil {
		return fmt.Errorf("adb start-server failed: %w, output: %s", err, strings.TrimSpace(string(output)))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.daemonSettle):
	}

	m.daemonStarted = true
	return nil
}

// Connect 连接到设备（带缓存和锁保护）
func (m *ConnectionManager) Connect(ctx context.Context, target string) error {
	if err := m.EnsureDaemonStarted(ctx); err != nil {
		return fmt.Errorf("failed to ensure daemon started: %w", err)
	}

	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if m.connections[target] {
		m.logger.WithField("target", target).Debug("Already connected (cached)")
		return nil
	}

	// USB serials need no connect, only network targets do
	if strings.Contains(target, ":") {
		output, err := m.runner.Run(ctx, "connect", target)
		if err != nil {
			return fmt.Errorf("adb connect failed: %w, output: %s", err, strings.TrimSpace(string(output)))
		}
		if strings.Contains(string(output), "failed") || strings.Contains(string(output), "unable") {
			return fmt.Errorf("adb connect %s: %s", target, strings.TrimSpace(string(output)))
		}
	}

	m.connections[target] = true
	m.logger.WithField("target", target).Info("ADB connected")
	return nil
}

// Disconnect 断开设备连接
func (m *ConnectionManager) Disconnect(ctx context.Context, target string) error {
	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if strings.Contains(target, ":") {
		if _, err := m.runner.Run(ctx, "disconnect", target); err != nil {
			m.logger.WithError(err).WithField("target", target).Warn("ADB disconnect failed")
			return err
		}
	}
	delete(m.connections, target)
	m.logger.WithField("target", target).Info("ADB disconnected")
	return nil
}

// IsConnected 检查设备是否在线（以 adb devices 的实际状态为准）
func (m *ConnectionManager) IsConnected(ctx context.Context, target string) bool {
	m.connMutex.RLock()
	cached := m.connections[target]
	m.connMutex.RUnlock()
	if !cached {
		return false
	}

	output, err := m.runner.Run(ctx, "devices")
	connected := err == nil && deviceOnline(string(output), target)
	if !connected {
		m.connMutex.Lock()
		m.connections[target] = false
		m.connMutex.Unlock()
	}
	return connected
}

// deviceOnline parses `adb devices` output for "<target>\tdevice".
func deviceOnline(output, target string) bool {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == target && fields[1] == "device" {
			return true
		}
	}
	return false
}

// StartHealthCheck 启动连接健康检查（定期检查并重连）
func (m *ConnectionManager) StartHealthCheck(ctx context.Context, interval time.Duration, target string) {
	m.logger.WithField("interval", interval.String()).Info("Starting ADB connection health check")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ADB connection health check stopped")
			return
		case <-ticker.C:
			m.checkAndReconnect(ctx, target)
		}
	}
}

func (m *ConnectionManager) checkAndReconnect(ctx context.Context, target string) {
	if m.IsConnected(ctx, target) {
		return
	}
	m.logger.WithField("target", target).Warn("Device disconnected, attempting to reconnect")
	if err := m.Connect(ctx, target); err != nil {
		m.logger.WithError(err).WithField("target", target).Error("Failed to reconnect device")
		return
	}
	m.logger.WithField("target", target).Info("Device reconnected")
}
