package pipeline

import (
	"time"
)

// Status is the terminal outcome for one event.
type Status string

const (
	// StatusAnalyzed means the full pipeline ran and the verdict carries real
	// classification fields.
	StatusAnalyzed Status = "Analyzed"
	// StatusFiltered means no filter rule matched; no fetch or AI call was
	// made. Emitted for observability only.
	StatusFiltered Status = "Filtered"
	// StatusFailed means some stage failed; ErrorDetail says which.
	StatusFailed Status = "Failed"
)

// VerdictMessage is the published classification outcome for one event.
// Immutable once constructed; published exactly once per matched event.
// The classification fields are pointers so that Filtered and Failed
// verdicts, which carry no model output, omit them entirely on the wire.
type VerdictMessage struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	Camera        string    `json:"camera"`
	Label         string    `json:"label"`
	TargetPresent *bool     `json:"target_present,omitempty"`
	Probability   *float64  `json:"probability,omitempty"`
	Status        Status    `json:"status"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
}
