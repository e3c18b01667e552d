package schedule

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
)

// entryPrefix namespaces the entries this tool manages in the host
// scheduler
const entryPrefix = "KW_"

// CommandRunner abstracts process execution so the text scraping can
// be tested without a live scheduler
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (output []byte, err error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run executes the command and returns its combined output
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SchtasksBridge implements Bridge by shelling out to the Windows
// schtasks utility. Output markers are matched in both the localized
// (zh-CN) and English forms schtasks is known to emit.
type SchtasksBridge struct {
	logger *zap.Logger
	runner CommandRunner

	// exePath is the binary the scheduler invokes with --headless.
	exePath string
}

// NewSchtasksBridge creates a bridge that registers exePath as the
// scheduled command
func NewSchtasksBridge(logger *zap.Logger, runner CommandRunner, exePath string) *SchtasksBridge {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &SchtasksBridge{
		logger:  logger.Named("schtasks"),
		runner:  runner,
		exePath: exePath,
	}
}

func entryName(taskName string) string {
	return entryPrefix + strings.ReplaceAll(taskName, " ", "_")
}

// Register implements Bridge.Register
func (b *SchtasksBridge) Register(ctx context.Context, taskName string, policy model.SchedulePolicy) error {
	command := fmt.Sprintf(`"%s" --headless "%s"`, b.exePath, taskName)

	args := []string{
		"/Create", "/TN", entryName(taskName),
		"/TR", command,
		"/ST", policy.Time,
		"/F",
	}
	switch policy.Frequency {
	case model.FrequencyWeekly:
		if len(policy.DaysOfWeek) == 0 {
			return fmt.Errorf("weekly schedule for %q needs at least one weekday", taskName)
		}
		args = append(args, "/SC", "WEEKLY", "/D", strings.Join(policy.DaysOfWeek, ","))
	default:
		args = append(args, "/SC", "DAILY")
	}

	output, err := b.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to register schedule for %q: %s", taskName, commandFailure(output, err))
	}
	b.logger.Info("Schedule registered",
		zap.String("task", taskName),
		zap.String("frequency", string(policy.Frequency)),
		zap.String("time", policy.Time))
	return nil
}

// Enable implements Bridge.Enable
func (b *SchtasksBridge) Enable(ctx context.Context, taskName string) error {
	if b.Query(ctx, taskName) == StatusNotFound {
		b.logger.Warn("Cannot enable missing schedule", zap.String("task", taskName))
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, taskName)
	}

	output, err := b.run(ctx, "/change", "/tn", entryName(taskName), "/enable")
	if err != nil {
		return fmt.Errorf("failed to enable schedule for %q: %s", taskName, commandFailure(output, err))
	}
	b.logger.Info("Schedule enabled", zap.String("task", taskName))
	return nil
}

// Disable implements Bridge.Disable
func (b *SchtasksBridge) Disable(ctx context.Context, taskName string) error {
	output, err := b.run(ctx, "/change", "/tn", entryName(taskName), "/disable")
	if err != nil {
		return fmt.Errorf("failed to disable schedule for %q: %s", taskName, commandFailure(output, err))
	}
	b.logger.Info("Schedule disabled", zap.String("task", taskName))
	return nil
}

// Delete implements Bridge.Delete. Deleting an entry that does not
// exist is treated as success.
func (b *SchtasksBridge) Delete(ctx context.Context, taskName string) error {
	output, err := b.run(ctx, "/delete", "/tn", entryName(taskName), "/f")
	if err == nil {
		b.logger.Info("Schedule deleted", zap.String("task", taskName))
		return nil
	}
	if isNotFoundOutput(output) {
		b.logger.Warn("Schedule to delete was absent, treating as success",
			zap.String("task", taskName))
		return nil
	}
	return fmt.Errorf("failed to delete schedule for %q: %s", taskName, commandFailure(output, err))
}

// Query implements Bridge.Query
func (b *SchtasksBridge) Query(ctx context.Context, taskName string) Status {
	output, err := b.runner.Run(ctx, "schtasks", "/query", "/tn", entryName(taskName), "/fo", "LIST")
	if err != nil {
		if _, isExit := err.(*exec.ExitError); isExit || isNotFoundOutput(output) {
			return StatusNotFound
		}
		b.logger.Error("Failed to query schedule status",
			zap.String("task", taskName), zap.Error(err))
		return StatusError
	}
	return parseStatus(string(output))
}

// List implements Bridge.List
func (b *SchtasksBridge) List(ctx context.Context) ([]string, error) {
	output, err := b.runner.Run(ctx, "schtasks", "/query", "/fo", "LIST")
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %s", commandFailure(output, err))
	}

	seen := make(map[string]struct{})
	var names []string
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, "TaskName:") {
			continue
		}
		name := strings.TrimSpace(strings.SplitN(line, "TaskName:", 2)[1])
		name = strings.TrimPrefix(name, `\`)
		if !strings.HasPrefix(name, entryPrefix) {
			continue
		}
		base := strings.TrimPrefix(name, entryPrefix)
		// Strip the weekday suffix some historical entries carried.
		if idx := strings.Index(base, "_W"); idx >= 0 {
			base = base[:idx]
		}
		if _, dup := seen[base]; !dup {
			seen[base] = struct{}{}
			names = append(names, base)
		}
	}
	return names, nil
}

// run executes schtasks with the given arguments, logging the full
// command line first for auditability
func (b *SchtasksBridge) run(ctx context.Context, args ...string) ([]byte, error) {
	b.logger.Info("Executing command",
		zap.String("command", "schtasks "+strings.Join(args, " ")))
	return b.runner.Run(ctx, "schtasks", args...)
}

// parseStatus maps the locale-dependent LIST output to a status code
func parseStatus(output string) Status {
	switch {
	case strings.Contains(output, "准备就绪") || strings.Contains(output, "Ready"):
		return StatusReady
	case strings.Contains(output, "已禁用") || strings.Contains(output, "Disabled"):
		return StatusDisabled
	case strings.Contains(output, "正在运行") || strings.Contains(output, "Running"):
		return StatusRunning
	default:
		return StatusUnknown
	}
}

func isNotFoundOutput(output []byte) bool {
	text := string(output)
	return strings.Contains(text, "找不到") ||
		strings.Contains(strings.ToLower(text), "not found") ||
		strings.Contains(strings.ToLower(text), "cannot find")
}

func commandFailure(output []byte, err error) string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return err.Error()
	}
	return text
}
