package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const (
	ApacheName = "apache"

	// TimestampLayout is the access log timestamp: 10/Jan/2026:14:23:45 +0000
	TimestampLayout = "02/Jan/2006:15:04:05 -0700"
)

// Combined Log Format:
// host ident authuser [date] "METHOD PATH PROTOCOL" status bytes ["referrer" "user-agent"]
var apachePattern = regexp.MustCompile(
	`^(\S+) (\S+) (\S+) \[([^\]]+)\] "(\S+) (\S+) ([^"]*)" (\S+) (\S+)(?: "((?:[^"\\]|\\.)*)" "((?:[^"\\]|\\.)*)")?$`,
)

// SniffApache checks for the bracketed timestamp followed by a quoted request
func SniffApache(line string) bool {
	open := strings.IndexByte(line, '[')
	if open <= 0 {
		return false
	}
	end := strings.IndexByte(line[open:], ']')
	return end > 0 && strings.HasPrefix(line[open+end+1:], ` "`)
}

// ParseApache parses an Apache common or combined log line
func ParseApache(line string) (domain.LogEntry, error) {
	m := apachePattern.FindStringSubmatch(line)
	if m == nil {
		return domain.LogEntry{}, parseErr(ReasonPatternMismatch, "not an apache combined line")
	}

	entry := domain.LogEntry{
		ClientIP:   m[1],
		RemoteUser: m[3],
		Method:     m[5],
		Path:       m[6],
		Protocol:   strings.TrimSpace(m[7]),
		Referrer:   unescapeQuoted(m[10]),
		UserAgent:  unescapeQuoted(m[11]),
	}

	if err := fillCommon(&entry, m[4], m[8], m[9]); err != nil {
		return domain.LogEntry{}, err
	}
	return entry, nil
}

// fillCommon parses the timestamp, status and bytes fields shared by CLF variants
func fillCommon(entry *domain.LogEntry, ts, status, size string) error {
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return parseErr(ReasonBadTimestamp, "%q", ts)
	}
	entry.Timestamp = t

	code, err := strconv.Atoi(status)
	if err != nil {
		return parseErr(ReasonBadStatus, "%q", status)
	}
	entry.Status = code

	if size == "-" {
		entry.Bytes = 0
	} else {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return parseErr(ReasonBadBytes, "%q", size)
		}
		entry.Bytes = n
	}
	return nil
}

// unescapeQuoted reverts the \" and \\ escapes web servers use inside quoted fields
func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Format re-serializes an entry as an Apache combined log line
func Format(entry *domain.LogEntry) string {
	user := entry.RemoteUser
	if user == "" {
		user = "-"
	}

	var b strings.Builder
	b.WriteString(entry.ClientIP)
	b.WriteString(" - ")
	b.WriteString(user)
	b.WriteString(" [")
	b.WriteString(entry.Timestamp.Format(TimestampLayout))
	b.WriteString(`] "`)
	b.WriteString(entry.Method)
	b.WriteByte(' ')
	b.WriteString(entry.Path)
	b.WriteByte(' ')
	b.WriteString(entry.Protocol)
	b.WriteString(`" `)
	b.WriteString(strconv.Itoa(entry.Status))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(entry.Bytes, 10))
	if entry.Referrer != "" || entry.UserAgent != "" {
		b.WriteString(` "`)
		b.WriteString(escapeQuoted(orDash(entry.Referrer)))
		b.WriteString(`" "`)
		b.WriteString(escapeQuoted(orDash(entry.UserAgent)))
		b.WriteByte('"')
	}
	return b.String()
}

func escapeQuoted(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
