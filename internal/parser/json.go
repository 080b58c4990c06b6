package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const JSONName = "json"

// Field aliases used by common JSON access log configurations
var (
	jsonIPKeys        = []string{"remote_addr", "client_ip", "ip", "clientip"}
	jsonTimeKeys      = []string{"time", "timestamp", "@timestamp", "time_local", "time_iso8601"}
	jsonMethodKeys    = []string{"method", "request_method"}
	jsonPathKeys      = []string{"path", "uri", "request_uri", "url"}
	jsonProtocolKeys  = []string{"protocol", "server_protocol"}
	jsonStatusKeys    = []string{"status", "status_code"}
	jsonBytesKeys     = []string{"bytes", "body_bytes_sent", "bytes_sent", "size"}
	jsonReferrerKeys  = []string{"referrer", "referer", "http_referer", "http_referrer"}
	jsonUserAgentKeys = []string{"user_agent", "http_user_agent", "agent"}
	jsonUserKeys      = []string{"remote_user", "user"}
)

var jsonTimeLayouts = []string{time.RFC3339Nano, time.RFC3339, TimestampLayout}

// SniffJSON checks for a JSON object
func SniffJSON(line string) bool {
	line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
	return strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}")
}

// ParseJSON parses one JSON object per line
// Format: {"remote_addr":"10.0.0.1","time":"2026-01-10T14:23:45Z","request":"GET / HTTP/1.1","status":200,...}
func ParseJSON(line string) (domain.LogEntry, error) {
	// Remove BOM (Byte Order Mark) if present
	line = strings.TrimPrefix(line, "\ufeff")

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return domain.LogEntry{}, parseErr(ReasonPatternMismatch, "invalid JSON: %v", err)
	}

	used := make(map[string]bool)
	pick := func(keys []string) (interface{}, bool) {
		for _, k := range keys {
			if v, ok := data[k]; ok && v != nil {
				used[k] = true
				return v, true
			}
		}
		return nil, false
	}
	pickStr := func(keys []string) string {
		v, ok := pick(keys)
		if !ok {
			return ""
		}
		return stringify(v)
	}

	entry := domain.LogEntry{
		ClientIP:   pickStr(jsonIPKeys),
		RemoteUser: pickStr(jsonUserKeys),
		Method:     pickStr(jsonMethodKeys),
		Path:       pickStr(jsonPathKeys),
		Protocol:   pickStr(jsonProtocolKeys),
		Referrer:   pickStr(jsonReferrerKeys),
		UserAgent:  pickStr(jsonUserAgentKeys),
	}

	// Combined request line fills whatever is missing
	if req, ok := data["request"].(string); ok {
		used["request"] = true
		parts := strings.SplitN(req, " ", 3)
		if len(parts) == 3 {
			if entry.Method == "" {
				entry.Method = parts[0]
			}
			if entry.Path == "" {
				entry.Path = parts[1]
			}
			if entry.Protocol == "" {
				entry.Protocol = parts[2]
			}
		}
	}

	if entry.ClientIP == "" || entry.Method == "" || entry.Path == "" {
		return domain.LogEntry{}, parseErr(ReasonPatternMismatch, "missing client address or request fields")
	}

	ts, ok := pick(jsonTimeKeys)
	if !ok {
		return domain.LogEntry{}, parseErr(ReasonBadTimestamp, "missing timestamp")
	}
	t, err := parseJSONTime(ts)
	if err != nil {
		return domain.LogEntry{}, err
	}
	entry.Timestamp = t

	status, ok := pick(jsonStatusKeys)
	if !ok {
		return domain.LogEntry{}, parseErr(ReasonBadStatus, "missing status")
	}
	code, err := toInt(status)
	if err != nil {
		return domain.LogEntry{}, parseErr(ReasonBadStatus, "%v", status)
	}
	entry.Status = int(code)

	if size, ok := pick(jsonBytesKeys); ok {
		n, err := toInt(size)
		if err != nil {
			return domain.LogEntry{}, parseErr(ReasonBadBytes, "%v", size)
		}
		entry.Bytes = n
	}

	// Keep remaining fields
	for k, v := range data {
		if used[k] {
			continue
		}
		if entry.Extra == nil {
			entry.Extra = make(map[string]string)
		}
		entry.Extra[k] = stringify(v)
	}

	return entry, nil
}

func parseJSONTime(v interface{}) (time.Time, error) {
	switch ts := v.(type) {
	case string:
		for _, layout := range jsonTimeLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				return t, nil
			}
		}
		return time.Time{}, parseErr(ReasonBadTimestamp, "%q", ts)
	case float64:
		// Unix seconds with optional fraction
		sec := int64(ts)
		nsec := int64((ts - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, parseErr(ReasonBadTimestamp, "unsupported type %T", v)
	}
}

func toInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case string:
		if n == "-" {
			return 0, nil
		}
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprintf("%v", s)
		}
		return string(b)
	}
}
