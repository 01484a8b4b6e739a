package boot

import (
	"context"
	"fmt"

	"github.com/devicelock/devicelock-agent/internal/domain"
	"github.com/devicelock/devicelock-agent/internal/feature"
	"github.com/devicelock/devicelock-agent/internal/kiosk"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/retry"
)

// Reapplier restores persisted state onto the device.
type Reapplier interface {
	Reapply(ctx context.Context) error
}

// UpdateChecker is the part of the update manager used at boot.
type UpdateChecker interface {
	CheckForUpdate(ctx context.Context) (*domain.UpdateInfo, error)
}

// Components 启动任务依赖
type Components struct {
	Engine   *feature.Engine
	Kiosk    *kiosk.Manager
	Blocker  Reapplier
	Updater  UpdateChecker
	Notifier platform.Notifier
}

// DefaultTasks returns the boot sequence: protections first, then lock task
// packages, then hidden apps, and the update check last. Nil components
// are skipped.
func DefaultTasks(c Components) []Task {
	var tasks []Task
	if c.Engine != nil {
		tasks = append(tasks, Task{Name: TaskFeatures, Run: func(ctx context.Context) error {
			return c.Engine.Reapply(ctx).Err()
		}})
	}
	if c.Kiosk != nil {
		tasks = append(tasks, Task{Name: TaskKiosk, Run: func(ctx context.Context) error {
			if err := c.Kiosk.Reapply(ctx); err != nil {
				return err
			}
			return c.Kiosk.Layout().Load(ctx)
		}})
	}
	if c.Blocker != nil {
		tasks = append(tasks, Task{Name: TaskAppBlocker, Run: c.Blocker.Reapply})
	}
	if c.Updater != nil {
		tasks = append(tasks, Task{Name: TaskUpdateCheck, Run: func(ctx context.Context) error {
			info, err := c.Updater.CheckForUpdate(ctx)
			if err != nil {
				// a failed check waits for the next explicit one
				return retry.NewNonRetryableError(err)
			}
			if info == nil || c.Notifier == nil {
				return nil
			}
			// a lost notice is not worth retrying the check for
			_ = c.Notifier.Notify(ctx, fmt.Sprintf("Update available: version %d", info.VersionCode))
			return nil
		}})
	}
	return tasks
}
