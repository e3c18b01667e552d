package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "config.json"))
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", doc.Version)
	assert.Empty(t, doc.Tasks)
	assert.Equal(t, "smtp.chinatelecom.cn", doc.Settings.DefaultSMTPServer)
	assert.Equal(t, 465, doc.Settings.DefaultSMTPPort)
	assert.Equal(t, 3, doc.Settings.RetryAttempts)

	// Loading must not create the file.
	_, statErr := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoadBackfillsMissingKeys(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"tasks":[]}`), 0o644))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", doc.Version)
	assert.Equal(t, DefaultSettings(), doc.Settings)
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{not json`), 0o644))

	_, err := s.Load()
	assert.Error(t, err)
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)

	task := model.DefaultTask("daily-report")
	require.NoError(t, s.Upsert(task))

	got, err := s.Get("daily-report")
	require.NoError(t, err)
	assert.Equal(t, "daily-report", got.Name)
	assert.Equal(t, []string{"Sheet1"}, got.Layout.SheetNames)

	// Replacing keeps a single entry.
	task.Email.Subject = "updated"
	require.NoError(t, s.Upsert(task))

	tasks, err := s.List()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "updated", tasks[0].Email.Subject)
}

func TestGetUnknownTask(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpsertInjectsSheetNameDefault(t *testing.T) {
	s := newTestStore(t)

	task := model.DefaultTask("t")
	task.Layout.SheetNames = nil
	require.NoError(t, s.Upsert(task))

	got, err := s.Get("t")
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1"}, got.Layout.SheetNames)
}

func TestUpsertRawMigratesLegacyShape(t *testing.T) {
	s := newTestStore(t)

	raw := json.RawMessage(`{
		"name": "legacy",
		"api_config": {"url": "http://example.internal/api", "timeout": 60},
		"data_config": {"filename_pattern": "{taskName}.xlsx"},
		"status": "active"
	}`)

	task, err := s.UpsertRaw(raw)
	require.NoError(t, err)
	require.Len(t, task.APISources, 1)
	assert.Equal(t, "API1", task.APISources[0].Name)
	assert.Equal(t, "http://example.internal/api", task.APISources[0].URL)

	got, err := s.Get("legacy")
	require.NoError(t, err)
	require.Len(t, got.APISources, 1)

	// The persisted document carries the migrated key only.
	persisted, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(persisted), `"api_configs"`)
	assert.NotContains(t, string(persisted), `"api_config"`+":")
}

func TestUpsertRawKeepsModernShape(t *testing.T) {
	s := newTestStore(t)

	raw := json.RawMessage(`{
		"name": "modern",
		"api_configs": [{"name": "Orders", "url": "http://x/a"}, {"name": "Refunds", "url": "http://x/b"}],
		"status": "active"
	}`)

	task, err := s.UpsertRaw(raw)
	require.NoError(t, err)
	assert.Len(t, task.APISources, 2)
}

func TestUpsertRawRequiresName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertRaw(json.RawMessage(`{"status":"active"}`))
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(model.DefaultTask("a")))
	require.NoError(t, s.Upsert(model.DefaultTask("b")))

	require.NoError(t, s.Delete("a"))

	tasks, err := s.List()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Name)

	// Deleting again is a no-op.
	assert.NoError(t, s.Delete("a"))
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(model.DefaultTask("t")))

	// No temp file left behind after a successful save.
	_, err := os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
