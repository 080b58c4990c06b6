package validate

import (
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const (
	DefaultClockSkew = 5 * time.Minute

	MinStatus = 100
	MaxStatus = 599
	MaxBytes  = 2147483647
)

// IP accepts syntactically valid IPv4 and IPv6 addresses
type IP struct{}

func (IP) Name() string { return "ip" }

func (IP) Validate(entry *domain.LogEntry) domain.ValidationOutcome {
	if _, err := netip.ParseAddr(entry.ClientIP); err != nil {
		return domain.Reject(domain.ReasonInvalidIP, "client_ip")
	}
	return domain.Accept()
}

// URL accepts origin-form paths ("/..."), absolute http(s) URLs and "*"
type URL struct{}

func (URL) Name() string { return "url" }

func (URL) Validate(entry *domain.LogEntry) domain.ValidationOutcome {
	p := entry.Path
	switch {
	case p == "*" && entry.Method == "OPTIONS":
		return domain.Accept()
	case strings.HasPrefix(p, "/"):
		if strings.ContainsAny(p, " \t\r\n") {
			return domain.Reject(domain.ReasonInvalidURL, "path")
		}
		return domain.Accept()
	}

	u, err := url.Parse(p)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return domain.Reject(domain.ReasonInvalidURL, "path")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return domain.Accept()
	}
	return domain.Reject(domain.ReasonInvalidURL, "path")
}

// Timestamp rejects records from the future (beyond the clock skew) and
// records older than the retention horizon
type Timestamp struct {
	skew      time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewTimestamp creates a timestamp validator
func NewTimestamp(cfg Config) Timestamp {
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return Timestamp{skew: skew, retention: cfg.Retention, now: now}
}

func (Timestamp) Name() string { return "timestamp" }

func (v Timestamp) Validate(entry *domain.LogEntry) domain.ValidationOutcome {
	if entry.Timestamp.IsZero() {
		return domain.Reject(domain.ReasonExpiredTimestamp, "timestamp")
	}
	now := v.now()
	if entry.Timestamp.After(now.Add(v.skew)) {
		return domain.Reject(domain.ReasonFutureTimestamp, "timestamp")
	}
	if v.retention > 0 && entry.Timestamp.Before(now.Add(-v.retention)) {
		return domain.Reject(domain.ReasonExpiredTimestamp, "timestamp")
	}
	return domain.Accept()
}

// Status accepts HTTP status codes 100..599
type Status struct{}

func (Status) Name() string { return "status" }

func (Status) Validate(entry *domain.LogEntry) domain.ValidationOutcome {
	if entry.Status < MinStatus || entry.Status > MaxStatus {
		return domain.Reject(domain.ReasonInvalidStatus, "status")
	}
	return domain.Accept()
}

var knownMethods = map[string]bool{
	"GET":      true,
	"HEAD":     true,
	"POST":     true,
	"PUT":      true,
	"DELETE":   true,
	"CONNECT":  true,
	"OPTIONS":  true,
	"TRACE":    true,
	"PATCH":    true,
	"PROPFIND": true,
}

// Method accepts standard HTTP methods (plus PROPFIND)
type Method struct{}

func (Method) Name() string { return "method" }

func (Method) Validate(entry *domain.LogEntry) domain.ValidationOutcome {
	if !knownMethods[entry.Method] {
		return domain.Reject(domain.ReasonInvalidMethod, "method")
	}
	return domain.Accept()
}

// Bytes accepts response sizes that fit a signed 32-bit column
type Bytes struct{}

func (Bytes) Name() string { return "bytes" }

func (Bytes) Validate(entry *domain.LogEntry) domain.ValidationOutcome {
	if entry.Bytes < 0 || entry.Bytes > MaxBytes {
		return domain.Reject(domain.ReasonInvalidBytes, "bytes")
	}
	return domain.Accept()
}
