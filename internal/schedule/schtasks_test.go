package schedule

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/store"
)

type fakeRunner struct {
	calls   [][]string
	output  []byte
	err     error
	handler func(args []string) ([]byte, error)
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.handler != nil {
		return r.handler(args)
	}
	return r.output, r.err
}

func (r *fakeRunner) lastCall() []string {
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

type exitError struct{}

func (exitError) Error() string { return "exit status 1" }

func newTestBridge(t *testing.T, runner *fakeRunner) *SchtasksBridge {
	t.Helper()
	return NewSchtasksBridge(zaptest.NewLogger(t), runner, `C:\tools\assistant.exe`)
}

func TestRegisterDaily(t *testing.T) {
	runner := &fakeRunner{output: []byte("SUCCESS")}
	b := newTestBridge(t, runner)

	policy := model.SchedulePolicy{Frequency: model.FrequencyDaily, Time: "18:00"}
	require.NoError(t, b.Register(context.Background(), "daily report", policy))

	call := strings.Join(runner.lastCall(), " ")
	assert.Contains(t, call, "/Create")
	assert.Contains(t, call, "/TN KW_daily_report")
	assert.Contains(t, call, "/ST 18:00")
	assert.Contains(t, call, "/SC DAILY")
	assert.Contains(t, call, `--headless "daily report"`)
	assert.Contains(t, call, "/F")
}

func TestRegisterWeekly(t *testing.T) {
	runner := &fakeRunner{output: []byte("SUCCESS")}
	b := newTestBridge(t, runner)

	policy := model.SchedulePolicy{
		Frequency:  model.FrequencyWeekly,
		Time:       "09:30",
		DaysOfWeek: []string{"MON", "THU"},
	}
	require.NoError(t, b.Register(context.Background(), "weekly", policy))

	call := strings.Join(runner.lastCall(), " ")
	assert.Contains(t, call, "/SC WEEKLY")
	assert.Contains(t, call, "/D MON,THU")
}

func TestRegisterWeeklyRequiresDays(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBridge(t, runner)

	policy := model.SchedulePolicy{Frequency: model.FrequencyWeekly, Time: "09:30"}
	err := b.Register(context.Background(), "weekly", policy)
	assert.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestRegisterSurfacesCommandOutput(t *testing.T) {
	runner := &fakeRunner{output: []byte("ERROR: Access is denied."), err: exitError{}}
	b := newTestBridge(t, runner)

	err := b.Register(context.Background(), "t", model.SchedulePolicy{Time: "08:00"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Access is denied")
}

func TestQueryParsesLocalizedStatus(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   Status
	}{
		{"ChineseReady", "任务名: \\KW_t\n状态: 准备就绪\n", StatusReady},
		{"EnglishReady", "TaskName: \\KW_t\nStatus: Ready\n", StatusReady},
		{"ChineseDisabled", "状态: 已禁用", StatusDisabled},
		{"EnglishDisabled", "Status: Disabled", StatusDisabled},
		{"ChineseRunning", "状态: 正在运行", StatusRunning},
		{"EnglishRunning", "Status: Running", StatusRunning},
		{"Unrecognized", "Status: Queued", StatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{output: []byte(tc.output)}
			b := newTestBridge(t, runner)
			assert.Equal(t, tc.want, b.Query(context.Background(), "t"))
		})
	}
}

func TestQueryMissingEntry(t *testing.T) {
	runner := &fakeRunner{output: []byte("错误: 找不到指定的任务名。"), err: exitError{}}
	b := newTestBridge(t, runner)
	assert.Equal(t, StatusNotFound, b.Query(context.Background(), "t"))
}

func TestDeleteMissingEntryIsSuccess(t *testing.T) {
	runner := &fakeRunner{output: []byte("ERROR: The system cannot find the file specified."), err: exitError{}}
	b := newTestBridge(t, runner)
	assert.NoError(t, b.Delete(context.Background(), "t"))
}

func TestDeleteRealFailure(t *testing.T) {
	runner := &fakeRunner{output: []byte("ERROR: Access is denied."), err: exitError{}}
	b := newTestBridge(t, runner)
	assert.Error(t, b.Delete(context.Background(), "t"))
}

func TestEnableMissingEntry(t *testing.T) {
	runner := &fakeRunner{output: []byte("ERROR: not found"), err: exitError{}}
	b := newTestBridge(t, runner)

	err := b.Enable(context.Background(), "t")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestList(t *testing.T) {
	output := strings.Join([]string{
		"TaskName:      \\KW_daily_report",
		"Status:        Ready",
		"",
		"TaskName:      \\KW_weekly_W",
		"Status:        Ready",
		"",
		"TaskName:      \\KW_weekly_W",
		"",
		"TaskName:      \\MicrosoftEdgeUpdate",
		"",
	}, "\n")
	runner := &fakeRunner{output: []byte(output)}
	b := newTestBridge(t, runner)

	names, err := b.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"daily_report", "weekly"}, names)
}

func TestUnregister(t *testing.T) {
	newStore := func(t *testing.T, tasks ...*model.TaskDefinition) *store.Store {
		st := store.New(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "config.json"))
		for _, task := range tasks {
			require.NoError(t, st.Upsert(task))
		}
		return st
	}

	t.Run("AbsentEntryFlipsStoredFlag", func(t *testing.T) {
		task := model.DefaultTask("t")
		task.Schedule.Enabled = true
		st := newStore(t, task)

		runner := &fakeRunner{output: []byte("找不到"), err: exitError{}}
		b := newTestBridge(t, runner)

		require.NoError(t, Unregister(context.Background(), b, st, "t"))

		got, err := st.Get("t")
		require.NoError(t, err)
		assert.False(t, got.Schedule.Enabled)
	})

	t.Run("AbsentEntryAndAbsentTask", func(t *testing.T) {
		st := newStore(t)
		runner := &fakeRunner{output: []byte("找不到"), err: exitError{}}
		b := newTestBridge(t, runner)
		assert.NoError(t, Unregister(context.Background(), b, st, "t"))
	})

	t.Run("DisabledEntryDeletedDirectly", func(t *testing.T) {
		st := newStore(t)
		runner := &fakeRunner{handler: func(args []string) ([]byte, error) {
			if args[0] == "/query" {
				return []byte("Status: Disabled"), nil
			}
			return []byte("SUCCESS"), nil
		}}
		b := newTestBridge(t, runner)

		require.NoError(t, Unregister(context.Background(), b, st, "t"))

		var ops []string
		for _, call := range runner.calls {
			ops = append(ops, call[1])
		}
		assert.Equal(t, []string{"/query", "/delete"}, ops)
	})

	t.Run("ReadyEntryDisabledThenDeleted", func(t *testing.T) {
		st := newStore(t)
		runner := &fakeRunner{handler: func(args []string) ([]byte, error) {
			if args[0] == "/query" {
				return []byte("Status: Ready"), nil
			}
			return []byte("SUCCESS"), nil
		}}
		b := newTestBridge(t, runner)

		require.NoError(t, Unregister(context.Background(), b, st, "t"))

		var ops []string
		for _, call := range runner.calls {
			ops = append(ops, call[1])
		}
		assert.Equal(t, []string{"/query", "/change", "/delete"}, ops)
	})
}
