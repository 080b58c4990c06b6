package parser

import (
	"fmt"
	"sync"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// MaxLineLength is the longest line a parser accepts
const MaxLineLength = 8192

// Parse failure reasons
const (
	ReasonEmptyLine       = "empty_line"
	ReasonLineTooLong     = "line_too_long"
	ReasonPatternMismatch = "pattern_mismatch"
	ReasonBadTimestamp    = "bad_timestamp"
	ReasonBadStatus       = "bad_status"
	ReasonBadBytes        = "bad_bytes"
)

// ParseError describes why a line could not be parsed
type ParseError struct {
	Reason string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "parse failure: " + e.Reason
	}
	return fmt.Sprintf("parse failure: %s: %s", e.Reason, e.Detail)
}

func parseErr(reason, format string, args ...interface{}) *ParseError {
	return &ParseError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// SniffFunc cheaply checks whether a line looks like the format
type SniffFunc func(line string) bool

// ParseFunc maps one line to a log entry. It must be pure and safe for
// concurrent use.
type ParseFunc func(line string) (domain.LogEntry, error)

// Parser is a named (sniff, parse) pair
type Parser struct {
	Name  string
	Sniff SniffFunc
	Parse ParseFunc
}

// ParseLine applies the generic line checks and then the format grammar
func (p *Parser) ParseLine(line string) (domain.LogEntry, error) {
	if len(line) > MaxLineLength {
		return domain.LogEntry{}, parseErr(ReasonLineTooLong, "%d bytes", len(line))
	}
	if isBlank(line) {
		return domain.LogEntry{}, &ParseError{Reason: ReasonEmptyLine}
	}
	return p.Parse(line)
}

// Registry holds parsers in registration order
type Registry struct {
	mu      sync.RWMutex
	parsers []*Parser
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry with the built-in formats:
// apache, nginx and json, in that order of preference
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(ApacheName, SniffApache, ParseApache)
	r.MustRegister(NginxName, SniffNginx, ParseNginx)
	r.MustRegister(JSONName, SniffJSON, ParseJSON)
	return r
}

// Register adds a parser. Names must be unique.
func (r *Registry) Register(name string, sniff SniffFunc, parse ParseFunc) error {
	if name == "" || sniff == nil || parse == nil {
		return fmt.Errorf("parser registration requires name, sniff and parse")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.parsers {
		if p.Name == name {
			return fmt.Errorf("parser %q already registered", name)
		}
	}
	r.parsers = append(r.parsers, &Parser{Name: name, Sniff: sniff, Parse: parse})
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(name string, sniff SniffFunc, parse ParseFunc) {
	if err := r.Register(name, sniff, parse); err != nil {
		panic(err)
	}
}

// Get returns a parser by name
func (r *Registry) Get(name string) (*Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.parsers {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Names returns registered parser names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		names = append(names, p.Name)
	}
	return names
}

func (r *Registry) all() []*Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Parser(nil), r.parsers...)
}

func isBlank(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}
