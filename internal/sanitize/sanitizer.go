// Package sanitize redacts internal detail from errors before they cross the
// trust boundary. Raw errors stay in operator logs, correlated by request id.
package sanitize

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// GenericMessage replaces anything that still looks internal after the rules ran.
const GenericMessage = "An error occurred while processing your request"

// Sanitized is the only error shape allowed to leave the guard.
type Sanitized struct {
	Time      time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Message   string    `json:"message"`
}

func (s Sanitized) Error() string {
	return s.Message
}

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

var rules = []rule{
	// SQL identifiers: schema.table.column and table.column references.
	{regexp.MustCompile(`\b(?:column|relation|table|constraint|index|sequence|schema)\s+"?[A-Za-z_][\w.]*"?`), "a database object"},
	{regexp.MustCompile(`\b[a-z_][a-z0-9_]*_(?:tbl|tab|idx|seq|fk|pk)\b(?:\.[a-z_][a-z0-9_]*)*`), "[redacted]"},
	{regexp.MustCompile(`\b[a-z_][a-z0-9_]*\.[a-z_][a-z0-9_]*_(?:id|key|hash|token)\b`), "[redacted]"},
	// Connection strings and DSNs.
	{regexp.MustCompile(`\b(?:postgres|postgresql|redis|mysql)://\S+`), "[redacted]"},
	// Filesystem paths.
	{regexp.MustCompile(`(?:/[\w.-]+){2,}`), "[redacted]"},
	{regexp.MustCompile(`\b[A-Za-z]:\\[\w\\.-]+`), "[redacted]"},
	// Goroutine dumps and stack frames.
	{regexp.MustCompile(`goroutine \d+ \[[^\]]*\]:`), ""},
	{regexp.MustCompile(`\b[\w./-]+\.go:\d+`), ""},
	// Listen addresses.
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?`), "[redacted]"},
}

// internalKeywords match as substrings, so entries must not hide inside
// ordinary words ("tx" would swallow any message mentioning "context").
var internalKeywords = []string{
	"pgx", "pq:", "sqlstate", "pgconn", "begin tx", "commit tx", "rollback",
	"deadlock", "nil pointer", "runtime error", "panic", "reflect",
	"unmarshal", "dial tcp", "connection refused", "i/o timeout", "redis:",
}

// Sanitize converts any error into a Sanitized value safe to return to a
// caller. It is pure apart from reading the clock and never panics; a nil
// error yields a generic message.
func Sanitize(err error) Sanitized {
	out := Sanitized{
		Time:      time.Now().UTC(),
		RequestID: uuid.NewString(),
	}
	if err == nil {
		out.Message = GenericMessage
		return out
	}

	// Postgres errors carry table, column and constraint names in their
	// detail. Never reuse any part of them.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		out.Message = GenericMessage
		return out
	}

	msg := err.Error()
	for _, r := range rules {
		msg = r.pattern.ReplaceAllString(msg, r.replacement)
	}
	msg = strings.Join(strings.Fields(msg), " ")

	if msg == "" || looksInternal(msg) {
		msg = GenericMessage
	}
	out.Message = msg
	return out
}

func looksInternal(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range internalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
