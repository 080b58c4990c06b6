package parser

import (
	"regexp"
	"strings"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const NginxName = "nginx"

// Nginx combined format, optionally followed by $request_time and $upstream_response_time:
// addr - user [time_local] "request" status body_bytes_sent "referer" "user_agent" [rt [urt]]
var nginxPattern = regexp.MustCompile(
	`^(\S+) - (\S+) \[([^\]]+)\] "((?:[^"\\]|\\.)*)" (\S+) (\S+) "((?:[^"\\]|\\.)*)" "((?:[^"\\]|\\.)*)"(?: ([\d.]+))?(?: ([\d.]+|-))?$`,
)

// SniffNginx checks for the combined layout with mandatory referrer and user agent
func SniffNginx(line string) bool {
	return SniffApache(line) && strings.HasSuffix(strings.TrimRight(line, " 0123456789.-"), `"`)
}

// ParseNginx parses an nginx combined log line
func ParseNginx(line string) (domain.LogEntry, error) {
	m := nginxPattern.FindStringSubmatch(line)
	if m == nil {
		return domain.LogEntry{}, parseErr(ReasonPatternMismatch, "not an nginx combined line")
	}

	parts := strings.SplitN(unescapeQuoted(m[4]), " ", 3)
	if len(parts) != 3 {
		return domain.LogEntry{}, parseErr(ReasonPatternMismatch, "malformed request %q", m[4])
	}

	entry := domain.LogEntry{
		ClientIP:   m[1],
		RemoteUser: m[2],
		Method:     parts[0],
		Path:       parts[1],
		Protocol:   parts[2],
		Referrer:   unescapeQuoted(m[7]),
		UserAgent:  unescapeQuoted(m[8]),
	}

	if err := fillCommon(&entry, m[3], m[5], m[6]); err != nil {
		return domain.LogEntry{}, err
	}

	if m[9] != "" || m[10] != "" {
		entry.Extra = make(map[string]string, 2)
		if m[9] != "" {
			entry.Extra["request_time"] = m[9]
		}
		if m[10] != "" && m[10] != "-" {
			entry.Extra["upstream_time"] = m[10]
		}
	}
	return entry, nil
}
