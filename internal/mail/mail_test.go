package mail

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/gomail.v2"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/dataset"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/store"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/vault"
)

type dialCapture struct {
	host     string
	port     int
	user     string
	password string
	msg      *gomail.Message
	calls    int
	err      error
}

func (c *dialCapture) dial(host string, port int, user, password string, msg *gomail.Message) error {
	c.host, c.port, c.user, c.password, c.msg = host, port, user, password, msg
	c.calls++
	return c.err
}

func newTestSender(t *testing.T) (*Sender, *store.Store, *vault.Vault, *dialCapture) {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	v := vault.New(logger, filepath.Join(dir, ".secret.key"))
	st := store.New(logger, filepath.Join(dir, "config.json"))

	s := NewSender(logger, v, st, store.DefaultSettings())
	capture := &dialCapture{}
	s.dial = capture.dial
	return s, st, v, capture
}

func mailTask(t *testing.T, v *vault.Vault) *model.TaskDefinition {
	t.Helper()
	task := model.DefaultTask("report")
	task.Email.Sender.Email = "robot@example.com"
	task.Email.Recipients.To = []string{"ops@example.com"}

	encrypted, err := v.Encrypt("secret")
	require.NoError(t, err)
	task.Email.Sender.Password = encrypted
	return task
}

func sampleDatasets() map[string]*dataset.Dataset {
	return map[string]*dataset.Dataset{
		"API1": dataset.FromRows([]dataset.Row{{"id": "1", "amount": "10"}}),
	}
}

func TestSendSubmitsMessage(t *testing.T) {
	s, _, v, capture := newTestSender(t)
	task := mailTask(t, v)

	now := time.Date(2025, 10, 30, 18, 0, 0, 0, time.Local)
	err := s.Send(task, sampleDatasets(), []byte("xlsx-bytes"), now)
	require.NoError(t, err)

	assert.Equal(t, 1, capture.calls)
	assert.Equal(t, "smtp.chinatelecom.cn", capture.host)
	assert.Equal(t, 465, capture.port)
	assert.Equal(t, "robot@example.com", capture.user)
	assert.Equal(t, "secret", capture.password)
	assert.Equal(t, []string{"ops@example.com"}, capture.msg.GetHeader("To"))
	assert.Equal(t, []string{"Data report - 20251030"}, capture.msg.GetHeader("Subject"))
}

func TestSendUsesTaskSMTPOverrides(t *testing.T) {
	s, _, v, capture := newTestSender(t)
	task := mailTask(t, v)
	task.SMTPServer = "smtp.internal"
	task.SMTPPort = 587

	require.NoError(t, s.Send(task, sampleDatasets(), nil, time.Now()))
	assert.Equal(t, "smtp.internal", capture.host)
	assert.Equal(t, 587, capture.port)
}

func TestSendRequiresPassword(t *testing.T) {
	s, _, v, capture := newTestSender(t)
	task := mailTask(t, v)
	task.Email.Sender.Password = ""

	err := s.Send(task, sampleDatasets(), nil, time.Now())
	assert.ErrorIs(t, err, ErrNoPassword)
	assert.Zero(t, capture.calls)
}

func TestSendRequiresRecipients(t *testing.T) {
	s, _, v, capture := newTestSender(t)
	task := mailTask(t, v)
	task.Email.Recipients.To = nil

	err := s.Send(task, sampleDatasets(), nil, time.Now())
	assert.ErrorIs(t, err, ErrNoRecipients)
	assert.Zero(t, capture.calls)
}

func TestSendUpgradesPlaintextPassword(t *testing.T) {
	s, st, v, capture := newTestSender(t)
	task := mailTask(t, v)
	task.Email.Sender.Password = "plain-secret"
	require.NoError(t, st.Upsert(task))

	require.NoError(t, s.Send(task, sampleDatasets(), nil, time.Now()))
	assert.Equal(t, "plain-secret", capture.password)

	// Stored definition now carries the encrypted form.
	got, err := st.Get("report")
	require.NoError(t, err)
	require.True(t, vault.IsEncrypted(got.Email.Sender.Password))

	plain, _, err := v.Resolve(got.Email.Sender.Password)
	require.NoError(t, err)
	assert.Equal(t, "plain-secret", plain)
}

func TestSendWrapsDialFailure(t *testing.T) {
	s, _, v, capture := newTestSender(t)
	capture.err = assert.AnError
	task := mailTask(t, v)

	err := s.Send(task, sampleDatasets(), nil, time.Now())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRenderSheetVariables(t *testing.T) {
	task := model.DefaultTask("report")
	task.APISources = []model.APISource{{Name: "Orders"}, {Name: "Refunds"}}
	task.Layout.SheetNames = []string{"OrderSheet"}

	datasets := map[string]*dataset.Dataset{
		"Orders":  dataset.FromRows([]dataset.Row{{"id": "1"}}),
		"Refunds": dataset.New(),
	}

	t.Run("AllAliasesResolve", func(t *testing.T) {
		body := "a={OrderSheet} b={Sheet1} c={Orders} d={Table1}"
		out := RenderSheetVariables(body, task, datasets)
		assert.NotContains(t, out, "{OrderSheet}")
		assert.NotContains(t, out, "{Sheet1}")
		assert.NotContains(t, out, "{Orders}")
		assert.NotContains(t, out, "{Table1}")
		assert.Contains(t, out, "<table")
	})

	t.Run("EmptyDatasetLeavesVariable", func(t *testing.T) {
		out := RenderSheetVariables("{Refunds}", task, datasets)
		assert.Equal(t, "{Refunds}", out)
	})

	t.Run("UnknownVariableUntouched", func(t *testing.T) {
		out := RenderSheetVariables("{Nothing}", task, datasets)
		assert.Equal(t, "{Nothing}", out)
	})
}
