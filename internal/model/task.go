package model

// TaskStatus represents whether a task is eligible for execution
type TaskStatus string

const (
	TaskStatusActive   TaskStatus = "active"
	TaskStatusDisabled TaskStatus = "disabled"
)

// Frequency represents how often a scheduled task recurs
type Frequency string

const (
	FrequencyDaily  Frequency = "DAILY"
	FrequencyWeekly Frequency = "WEEKLY"
)

// APISource describes one HTTP endpoint a task pulls data from
type APISource struct {
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers,omitempty"`
	TimeoutSeconds     int               `json:"timeout"`
	VerifySSL          bool              `json:"verify_ssl"`
	Proxy              string            `json:"proxy,omitempty"`
	MaxRecords         int               `json:"max_records,omitempty"`
	StreamingThreshold int               `json:"streaming_threshold,omitempty"`
}

// DataLayout maps fetched datasets onto the generated workbook
type DataLayout struct {
	FilenamePattern string   `json:"filename_pattern"`
	SheetNames      []string `json:"sheet_names"`
	RequiredFields  []string `json:"required_fields,omitempty"`
}

// Sender identifies the mail account used to submit reports
type Sender struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Recipients holds the destination address sets for a report mail
type Recipients struct {
	To  []string `json:"to"`
	Cc  []string `json:"cc,omitempty"`
	Bcc []string `json:"bcc,omitempty"`
}

// EmailPolicy describes how the report mail for a task is composed
type EmailPolicy struct {
	Sender         Sender     `json:"sender"`
	Recipients     Recipients `json:"recipients"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	AttachmentName string     `json:"attachment_name"`
}

// SchedulePolicy describes the optional recurring invocation of a task
type SchedulePolicy struct {
	Enabled    bool      `json:"enabled"`
	Frequency  Frequency `json:"frequency"`
	Time       string    `json:"time"`
	DaysOfWeek []string  `json:"days_of_week,omitempty"`
}

// TaskDefinition is a named, persisted report configuration
type TaskDefinition struct {
	Name       string         `json:"name"`
	APISources []APISource    `json:"api_configs"`
	Layout     DataLayout     `json:"data_config"`
	Email      EmailPolicy    `json:"email_config"`
	Schedule   SchedulePolicy `json:"schedule_config"`
	Status     TaskStatus     `json:"status"`

	// Per-task SMTP overrides; store settings apply when zero.
	SMTPServer string `json:"smtp_server,omitempty"`
	SMTPPort   int    `json:"smtp_port,omitempty"`
}

// Source returns the API source with the given name, or nil
func (t *TaskDefinition) Source(name string) *APISource {
	for i := range t.APISources {
		if t.APISources[i].Name == name {
			return &t.APISources[i]
		}
	}
	return nil
}

// Active reports whether the task is eligible for execution
func (t *TaskDefinition) Active() bool {
	return t.Status == TaskStatusActive
}

// DefaultTask returns a task definition pre-filled with the template
// values a newly created task starts from.
func DefaultTask(name string) *TaskDefinition {
	return &TaskDefinition{
		Name: name,
		APISources: []APISource{
			{
				Name:               "API1",
				Headers:            map[string]string{"appKey": "", "appSecret": ""},
				TimeoutSeconds:     120,
				VerifySSL:          true,
				MaxRecords:         100000,
				StreamingThreshold: 50000,
			},
		},
		Layout: DataLayout{
			FilenamePattern: "{taskName}_{date}.xlsx",
			SheetNames:      []string{"Sheet1"},
		},
		Email: EmailPolicy{
			Subject:        "Data report - {date}",
			Body:           "<p>Hello, attached is the data report for {taskName}.</p>",
			AttachmentName: "{taskName}_{date}.xlsx",
		},
		Schedule: SchedulePolicy{
			Frequency: FrequencyDaily,
			Time:      "18:00",
		},
		Status: TaskStatusActive,
	}
}
