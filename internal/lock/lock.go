// Package lock implements the advisory per-task file lock that keeps a
// manual run from overlapping a scheduled run of the same task. It is
// cooperative and local only: it does not coordinate across machines
// and does not prevent concurrent runs of different tasks.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// staleAfter is the age past which a lock is considered abandoned and
// may be reclaimed. A heuristic, not a liveness guarantee.
const staleAfter = time.Hour

// Manager acquires and releases per-task advisory locks under dir
type Manager struct {
	logger *zap.Logger
	dir    string
}

// NewManager creates a lock manager rooted at dir
func NewManager(logger *zap.Logger, dir string) *Manager {
	return &Manager{logger: logger.Named("lock"), dir: dir}
}

func (m *Manager) path(taskName string) string {
	return filepath.Join(m.dir, taskName+".lock")
}

// Acquire takes the lock for the task. It returns false when another
// live invocation holds it; a lock older than one hour is treated as
// abandoned and reclaimed.
func (m *Manager) Acquire(taskName string) bool {
	path := m.path(taskName)

	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) <= staleAfter {
			m.logger.Info("Task already locked", zap.String("task", taskName))
			return false
		}
		if err := os.Remove(path); err != nil {
			m.logger.Error("Failed to reclaim stale lock",
				zap.String("task", taskName), zap.Error(err))
			return false
		}
		m.logger.Warn("Reclaimed stale lock", zap.String("task", taskName))
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.logger.Error("Failed to create lock directory", zap.Error(err))
		return false
	}

	content := fmt.Sprintf("%d|%s", os.Getpid(), time.Now().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		m.logger.Error("Failed to write lock file",
			zap.String("task", taskName), zap.Error(err))
		return false
	}

	m.logger.Info("Task locked", zap.String("task", taskName))
	return true
}

// Release drops the lock for the task and prunes the lock directory
// when it becomes empty. Always best-effort.
func (m *Manager) Release(taskName string) {
	path := m.path(taskName)
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			m.logger.Error("Failed to release lock",
				zap.String("task", taskName), zap.Error(err))
		}
		return
	}
	m.logger.Info("Task lock released", zap.String("task", taskName))

	if entries, err := os.ReadDir(m.dir); err == nil && len(entries) == 0 {
		_ = os.Remove(m.dir)
	}
}
