package model

import (
	"strings"
	"time"
)

// RenderPlaceholders substitutes the {taskName} and {date} tokens in
// filename, subject and body templates. {date} renders as YYYYMMDD of
// the run date.
func RenderPlaceholders(text, taskName string, now time.Time) string {
	r := strings.NewReplacer(
		"{date}", now.Format("20060102"),
		"{taskName}", taskName,
	)
	return r.Replace(text)
}
