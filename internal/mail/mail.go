// Package mail composes and submits the report mail: placeholder and
// sheet-variable substitution into the configured templates, then an
// authenticated implicit-TLS SMTP submission with the workbook attached.
package mail

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/dataset"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/store"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/vault"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/workbook"
)

// previewRows is how many rows of each dataset are rendered into the
// mail body
const previewRows = 10

var (
	// ErrNoPassword is returned when the sender has no stored password
	ErrNoPassword = errors.New("sender password is empty")
	// ErrNoRecipients is returned when the To list is empty
	ErrNoRecipients = errors.New("recipient list is empty")
)

// Sender submits report mails over SMTP
type Sender struct {
	logger   *zap.Logger
	vault    *vault.Vault
	store    *store.Store
	defaults store.Settings

	// dial is swapped in tests to avoid a live SMTP session.
	dial func(host string, port int, user, password string, msg *gomail.Message) error
}

// NewSender creates a mail sender. The store is used to persist
// passwords upgraded from legacy plaintext; it may be nil, in which
// case the upgrade is skipped.
func NewSender(logger *zap.Logger, v *vault.Vault, st *store.Store, defaults store.Settings) *Sender {
	return &Sender{
		logger:   logger.Named("mail"),
		vault:    v,
		store:    st,
		defaults: defaults,
		dial: func(host string, port int, user, password string, msg *gomail.Message) error {
			d := gomail.NewDialer(host, port, user, password)
			d.SSL = true
			return d.DialAndSend(msg)
		},
	}
}

// RenderSheetVariables substitutes per-sheet HTML table renderings
// into the body template. For each non-empty dataset the configured
// sheet name, the Sheet<N> default, the API source name and the
// Table<N> index all resolve to the same table.
func RenderSheetVariables(body string, task *model.TaskDefinition, datasets map[string]*dataset.Dataset) string {
	for i, src := range task.APISources {
		ds := datasets[src.Name]
		if ds == nil || ds.Empty() {
			continue
		}
		table := ds.HTMLTable(previewRows)
		for _, name := range []string{
			workbook.SheetNameFor(task.Layout, i),
			fmt.Sprintf("Sheet%d", i+1),
			src.Name,
			fmt.Sprintf("Table%d", i+1),
		} {
			body = strings.ReplaceAll(body, "{"+name+"}", table)
		}
	}
	return body
}

// Send composes the report mail for the task and submits it with the
// workbook bytes attached. The run date drives placeholder rendering.
func (s *Sender) Send(task *model.TaskDefinition, datasets map[string]*dataset.Dataset, attachment []byte, now time.Time) error {
	password, err := s.resolvePassword(task)
	if err != nil {
		return err
	}

	to := task.Email.Recipients.To
	if len(to) == 0 {
		return ErrNoRecipients
	}
	cc := task.Email.Recipients.Cc
	bcc := task.Email.Recipients.Bcc

	body := RenderSheetVariables(task.Email.Body, task, datasets)
	body = model.RenderPlaceholders(body, task.Name, now)
	subject := model.RenderPlaceholders(task.Email.Subject, task.Name, now)
	attachmentName := model.RenderPlaceholders(task.Email.AttachmentName, task.Name, now)

	msg := gomail.NewMessage()
	msg.SetHeader("From", task.Email.Sender.Email)
	msg.SetHeader("To", to...)
	if len(cc) > 0 {
		msg.SetHeader("Cc", cc...)
	}
	if len(bcc) > 0 {
		msg.SetHeader("Bcc", bcc...)
	}
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	if len(attachment) > 0 {
		msg.Attach(attachmentName, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(attachment)
			return err
		}))
		s.logger.Info("Attaching workbook from memory",
			zap.String("name", attachmentName),
			zap.Int("bytes", len(attachment)))
	}

	host, port := s.smtpEndpoint(task)
	if err := s.dial(host, port, task.Email.Sender.Email, password, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	s.logger.Info("Mail sent",
		zap.String("task", task.Name),
		zap.Int("to", len(to)),
		zap.Int("cc", len(cc)))
	return nil
}

// resolvePassword decrypts the stored sender password, upgrading a
// legacy plaintext value to the encrypted encoding in place
func (s *Sender) resolvePassword(task *model.TaskDefinition) (string, error) {
	stored := task.Email.Sender.Password
	if stored == "" {
		return "", ErrNoPassword
	}

	plain, wasEncrypted, err := s.vault.Resolve(stored)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sender password: %w", err)
	}

	if !wasEncrypted && s.store != nil {
		encrypted, err := s.vault.Encrypt(plain)
		if err != nil {
			s.logger.Warn("Failed to upgrade plaintext password", zap.Error(err))
			return plain, nil
		}
		task.Email.Sender.Password = encrypted
		if err := s.store.Upsert(task); err != nil {
			s.logger.Warn("Failed to persist upgraded password", zap.Error(err))
		} else {
			s.logger.Info("Upgraded stored password to encrypted encoding",
				zap.String("task", task.Name))
		}
	}
	return plain, nil
}

func (s *Sender) smtpEndpoint(task *model.TaskDefinition) (string, int) {
	host := task.SMTPServer
	if host == "" {
		host = s.defaults.DefaultSMTPServer
	}
	port := task.SMTPPort
	if port == 0 {
		port = s.defaults.DefaultSMTPPort
	}
	return host, port
}
