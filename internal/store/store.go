package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
)

// ErrTaskNotFound is returned when a named task is not in the store
var ErrTaskNotFound = errors.New("task not found")

// Settings holds global defaults applied when a task leaves a value unset
type Settings struct {
	DefaultSMTPServer string `json:"default_smtp_server"`
	DefaultSMTPPort   int    `json:"default_smtp_port"`
	DefaultTimeout    int    `json:"default_timeout"`
	RetryAttempts     int    `json:"retry_attempts"`
	RetryDelay        int    `json:"retry_delay"`
}

// DefaultSettings returns the settings a fresh store starts with
func DefaultSettings() Settings {
	return Settings{
		DefaultSMTPServer: "smtp.chinatelecom.cn",
		DefaultSMTPPort:   465,
		DefaultTimeout:    120,
		RetryAttempts:     3,
		RetryDelay:        5,
	}
}

// Document is the persisted task-store file layout
type Document struct {
	Version  string                  `json:"version"`
	Tasks    []*model.TaskDefinition `json:"tasks"`
	Settings Settings                `json:"settings"`
}

// Store reads and writes the task-store JSON document. There is no
// cross-process file locking; concurrent writers can race (see design
// notes).
type Store struct {
	logger *zap.Logger
	path   string
}

// New creates a store backed by the document at path
func New(logger *zap.Logger, path string) *Store {
	return &Store{logger: logger.Named("store"), path: path}
}

// Path returns the document location
func (s *Store) Path() string { return s.path }

// Load reads the document, backfilling missing top-level keys from
// defaults. A missing file yields the default document.
func (s *Store) Load() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultDocument(), nil
		}
		return nil, fmt.Errorf("failed to read task store: %w", err)
	}

	// Decode into a loose map first so absent keys can be told apart
	// from zero values.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse task store: %w", err)
	}

	doc := defaultDocument()
	if v, ok := probe["version"]; ok {
		if err := json.Unmarshal(v, &doc.Version); err != nil {
			return nil, fmt.Errorf("invalid version field: %w", err)
		}
	}
	if v, ok := probe["tasks"]; ok {
		if err := json.Unmarshal(v, &doc.Tasks); err != nil {
			return nil, fmt.Errorf("invalid tasks field: %w", err)
		}
	}
	if v, ok := probe["settings"]; ok {
		if err := json.Unmarshal(v, &doc.Settings); err != nil {
			return nil, fmt.Errorf("invalid settings field: %w", err)
		}
	}
	return doc, nil
}

// Save writes the document atomically (temp file + rename)
func (s *Store) Save(doc *Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write task store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace task store: %w", err)
	}

	s.logger.Info("Task store saved",
		zap.String("path", s.path),
		zap.Int("tasks", len(doc.Tasks)))
	return nil
}

// Get returns the named task definition
func (s *Store) Get(name string) (*model.TaskDefinition, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	for _, task := range doc.Tasks {
		if task.Name == name {
			return task, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// List returns all task definitions
func (s *Store) List() ([]*model.TaskDefinition, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	return doc.Tasks, nil
}

// Upsert inserts the task or replaces the existing task with the same
// name. Legacy single-source documents are migrated on the way in: a
// raw task carrying "api_config" instead of "api_configs" has already
// been dropped by decoding, so migration happens in UpsertRaw; here we
// only inject the sheet-name default.
func (s *Store) Upsert(task *model.TaskDefinition) error {
	if len(task.Layout.SheetNames) == 0 {
		task.Layout.SheetNames = []string{"Sheet1"}
	}

	doc, err := s.Load()
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range doc.Tasks {
		if existing.Name == task.Name {
			doc.Tasks[i] = task
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Tasks = append(doc.Tasks, task)
	}
	return s.Save(doc)
}

// UpsertRaw accepts a task definition as raw JSON, migrating the
// legacy single-API shape ("api_config" object) to the current
// multi-API list before upserting.
func (s *Store) UpsertRaw(raw json.RawMessage) (*model.TaskDefinition, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse task definition: %w", err)
	}

	if legacy, ok := probe["api_config"]; ok {
		if _, hasNew := probe["api_configs"]; !hasNew {
			var src model.APISource
			if err := json.Unmarshal(legacy, &src); err != nil {
				return nil, fmt.Errorf("failed to parse legacy api_config: %w", err)
			}
			if src.Name == "" {
				src.Name = "API1"
			}
			list, err := json.Marshal([]model.APISource{src})
			if err != nil {
				return nil, fmt.Errorf("failed to migrate api_config: %w", err)
			}
			probe["api_configs"] = list
			delete(probe, "api_config")
			s.logger.Info("Migrated legacy single-API task shape")

			raw, err = json.Marshal(probe)
			if err != nil {
				return nil, fmt.Errorf("failed to re-encode migrated task: %w", err)
			}
		}
	}

	var task model.TaskDefinition
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task definition: %w", err)
	}
	if task.Name == "" {
		return nil, errors.New("task name must not be empty")
	}
	if err := s.Upsert(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Delete removes the named task. Deleting an absent task is a no-op.
func (s *Store) Delete(name string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	kept := doc.Tasks[:0]
	for _, task := range doc.Tasks {
		if task.Name != name {
			kept = append(kept, task)
		}
	}
	doc.Tasks = kept
	return s.Save(doc)
}

func defaultDocument() *Document {
	return &Document{
		Version:  "1.0.0",
		Tasks:    []*model.TaskDefinition{},
		Settings: DefaultSettings(),
	}
}
