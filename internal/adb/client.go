// Package adb drives a device over the adb shell. It backs the agent when
// it runs off-device against a provisioned test phone, with the agent's
// package already set as device owner.
package adb

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/sirupsen/logrus"
)

// Runner executes one adb invocation and returns its combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the adb binary found on PATH.
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "adb"
	}
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

// Client ADB 客户端
type Client struct {
	target  string        // ADB 目标地址 (如 192.168.1.20:5555 或 USB 序列号)
	timeout time.Duration // 命令超时时间
	runner  Runner
	connMgr *ConnectionManager
	logger  *logrus.Logger
}

// NewClient 创建 ADB 客户端
func NewClient(target string, timeout time.Duration, runner Runner, logger *logrus.Logger) *Client {
	return &Client{
		target:  target,
		timeout: timeout,
		runner:  runner,
		connMgr: NewConnectionManager(runner, logger),
		logger:  logger,
	}
}

// Connect 连接设备
func (c *Client) Connect(ctx context.Context) error {
	return c.connMgr.Connect(ctx, c.target)
}

// ConnectionManager exposes the manager for health checks.
func (c *Client) ConnectionManager() *ConnectionManager { return c.connMgr }

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	full := append([]string{"-s", c.target}, args...)
	output, err := c.runner.Run(ctx, full...)
	out := string(output)
	if err != nil {
		return out, classify(fmt.Errorf("adb %s failed: %w, output: %s", args[0], err, strings.TrimSpace(out)), out)
	}
	// shell commands exit 0 even when the service threw
	return out, classify(nil, out)
}

// classify maps service exceptions in the output onto platform errors.
func classify(err error, output string) error {
	switch {
	case strings.Contains(output, "SecurityException"),
		strings.Contains(output, "Permission Denial"),
		strings.Contains(output, "not allowed to"):
		return fmt.Errorf("%s: %w", firstLine(output), platform.ErrPermissionDenied)
	case strings.Contains(output, "Unknown command"),
		strings.Contains(output, "Unknown option"):
		return fmt.Errorf("%s: %w", firstLine(output), platform.ErrUnsupported)
	}
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// Shell 执行 shell 命令
func (c *Client) Shell(ctx context.Context, command string) (string, error) {
	return c.run(ctx, "shell", command)
}

// Install 安装 APK
// -r: 替换已存在的应用
// -g: 自动授予所有运行时权限
func (c *Client) Install(ctx context.Context, apkPath string) (string, error) {
	c.logger.WithField("apk_path", apkPath).Info("Installing APK")
	out, err := c.run(ctx, "install", "-r", "-g", apkPath)
	if err != nil && !errors.Is(err, platform.ErrPermissionDenied) && strings.Contains(out, "Failure") {
		// adb exits non-zero on failure; the Failure line is the useful part
		return out, nil
	}
	return out, err
}

// Uninstall 卸载应用
func (c *Client) Uninstall(ctx context.Context, packageName string) error {
	c.logger.WithField("package", packageName).Info("Uninstalling app")
	out, err := c.run(ctx, "uninstall", packageName)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return fmt.Errorf("uninstall %s: %s", packageName, firstLine(out))
	}
	return nil
}

// Push copies a local file to the device.
func (c *Client) Push(ctx context.Context, local, remote string) error {
	_, err := c.run(ctx, "push", local, remote)
	return err
}

// shellQuote wraps s for the device shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
