package sink

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// Valid range of ClickHouse DateTime64
var (
	minStorageTime = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	maxStorageTime = time.Date(2283, 11, 11, 23, 59, 59, 999999999, time.UTC)
)

// ensureValidDateTime clamps zero and out-of-range values to the minimum
func ensureValidDateTime(t time.Time) time.Time {
	if t.IsZero() || t.Before(minStorageTime) || t.After(maxStorageTime) {
		return minStorageTime
	}
	return t.UTC()
}

// row is the storage shape of one record, shared by all SQL sinks
type row struct {
	Timestamp       time.Time
	SourceID        string
	Line            uint64
	Fingerprint     uint64
	ClientIP        string
	RemoteUser      string
	Method          string
	URL             string
	Protocol        string
	Status          uint16
	Bytes           uint32
	Referrer        string
	UserAgent       string
	Route           string
	Enrichment      string
	FailedEnrichers []string
	ExtraKeys       []string
	ExtraValues     []string
	ExtraJSON       string
}

func newRow(sourceID string, e *domain.EnrichedLogEntry) (row, error) {
	enrichment := "{}"
	if len(e.Enrichment) > 0 {
		data, err := json.Marshal(e.Enrichment)
		if err != nil {
			return row{}, err
		}
		enrichment = string(data)
	}

	extra := "{}"
	if len(e.Entry.Extra) > 0 {
		data, err := json.Marshal(e.Entry.Extra)
		if err != nil {
			return row{}, err
		}
		extra = string(data)
	}

	keys, values := mapToArrays(e.Entry.Extra)
	failed := e.FailedEnrichers
	if failed == nil {
		failed = []string{}
	}

	return row{
		Timestamp:       ensureValidDateTime(e.Entry.Timestamp),
		SourceID:        sourceID,
		Line:            uint64(e.Line),
		Fingerprint:     uint64(e.Fingerprint),
		ClientIP:        e.Entry.ClientIP,
		RemoteUser:      e.Entry.RemoteUser,
		Method:          e.Entry.Method,
		URL:             e.Entry.Path,
		Protocol:        e.Entry.Protocol,
		Status:          uint16(e.Entry.Status),
		Bytes:           uint32(e.Entry.Bytes),
		Referrer:        e.Entry.Referrer,
		UserAgent:       e.Entry.UserAgent,
		Route:           e.Enrichment["route"]["template"],
		Enrichment:      enrichment,
		FailedEnrichers: failed,
		ExtraKeys:       keys,
		ExtraValues:     values,
		ExtraJSON:       extra,
	}, nil
}

// mapToArrays converts a map to two arrays (keys, values) for ClickHouse Nested type
func mapToArrays(m map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	return keys, values
}
