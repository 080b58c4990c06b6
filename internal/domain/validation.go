package domain

// Rejection reason codes
const (
	ReasonInvalidIP        = "invalid_ip"
	ReasonInvalidURL       = "invalid_url"
	ReasonFutureTimestamp  = "future_timestamp"
	ReasonExpiredTimestamp = "expired_timestamp"
	ReasonInvalidStatus    = "invalid_status"
	ReasonInvalidMethod    = "invalid_method"
	ReasonInvalidBytes     = "invalid_bytes"
)

// ValidationOutcome is the result of validating one record
type ValidationOutcome struct {
	Accepted bool
	Reason   string // Reason code, empty when accepted
	Field    string // Offending field name, empty when accepted
}

// Accept returns an accepting outcome
func Accept() ValidationOutcome {
	return ValidationOutcome{Accepted: true}
}

// Reject returns a rejecting outcome for the given reason and field
func Reject(reason, field string) ValidationOutcome {
	return ValidationOutcome{Reason: reason, Field: field}
}
