// Package event defines the wire and storage model for DLP events. Events
// are produced by endpoint monitors (and cloud normalizers), uploaded to the
// manager, re-evaluated there against the current policy store, and persisted
// to the event log. An Event is immutable once ingested; event_id uniqueness
// is the global idempotency key.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cybersentinel/dlp/internal/policy"
)

// ErrInvalid marks an event that fails required-field validation. Retrying an
// invalid event would fail identically, so uploaders drop rather than retry.
var ErrInvalid = errors.New("invalid event")

// Event types (coarse families).
const (
	TypeFile      = "file"
	TypeClipboard = "clipboard"
	TypeUSB       = "usb"
)

// Source types.
const (
	SourceAgent = "agent"
	SourceCloud = "cloud"
)

// Event subtypes.
const (
	SubtypeFileCreated     = "file_created"
	SubtypeFileModified    = "file_modified"
	SubtypeFileDeleted     = "file_deleted"
	SubtypeFileRenamed     = "file_renamed"
	SubtypeClipboardCopy   = "clipboard_copy"
	SubtypeUSBConnect      = "usb_connect"
	SubtypeUSBDisconnect   = "usb_disconnect"
	SubtypeUSBFileTransfer = "usb_file_transfer"
	SubtypeUSBBlocked      = "usb_blocked"
	SubtypeTransferBlocked = "transfer_blocked"
)

// timeLayout is the event timestamp wire format: ISO-8601 UTC with
// millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Time is a time.Time that marshals in the event wire format. Values are
// normalised to UTC and truncated to millisecond precision on the wire.
type Time struct{ time.Time }

// Now returns the current instant as an event Time.
func Now() Time { return Time{time.Now().UTC()} }

// At wraps t as an event Time.
func At(t time.Time) Time { return Time{t} }

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Truncate(time.Millisecond).Format(timeLayout) + `"`), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	// Accept both the canonical millisecond form and plain RFC3339 from
	// older agents and cloud normalizers.
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: timestamp %q is not ISO-8601", ErrInvalid, s)
}

// PolicyActionSummary records, for one matched policy during manager-side
// re-evaluation, what action that policy would have requested.
type PolicyActionSummary struct {
	PolicyID string          `json:"policy_id"`
	Name     string          `json:"name,omitempty"`
	Action   policy.Action   `json:"action"`
	Severity policy.Severity `json:"severity"`
}

// ReEvaluation is the manager's authoritative classification of an event at
// ingest time. It may disagree with the agent-reported fields when the agent
// ran against a stale bundle; both views are stored.
type ReEvaluation struct {
	MatchedPolicies []string              `json:"matched_policies"`
	DataTypes       []string              `json:"data_types,omitempty"`
	Severity        policy.Severity       `json:"severity"`
	SuggestedAction string                `json:"suggested_action"`
	TotalMatches    int                   `json:"total_matches"`
	Summaries       []PolicyActionSummary `json:"policy_action_summaries,omitempty"`
}

// Event is a single observed DLP occurrence.
//
// Content carries the (truncated) observed text for manager-side
// re-evaluation and is never returned by query endpoints; DetectedContent is
// the redacted per-data-type sample summary that is.
type Event struct {
	EventID      string `json:"event_id"`
	AgentID      string `json:"agent_id"`
	SourceType   string `json:"source_type,omitempty"`
	EventType    string `json:"event_type"`
	EventSubtype string `json:"event_subtype,omitempty"`

	Severity policy.Severity `json:"severity,omitempty"`
	Action   string          `json:"action,omitempty"`

	FilePath string `json:"file_path,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileHash string `json:"file_hash,omitempty"`

	Content         string              `json:"content,omitempty"`
	DetectedContent map[string][]string `json:"detected_content,omitempty"`
	DataTypes       []string            `json:"data_types,omitempty"`
	MatchedPolicies []string            `json:"matched_policies,omitempty"`
	TotalMatches    int                 `json:"total_matches,omitempty"`

	DeviceName string `json:"device_name,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	VendorID   string `json:"vendor_id,omitempty"`
	ProductID  string `json:"product_id,omitempty"`

	Description string `json:"description,omitempty"`
	UserEmail   string `json:"user_email,omitempty"`
	Timestamp   Time   `json:"timestamp"`

	// ReEvaluation is populated by the manager at ingest; agents never set it.
	ReEvaluation *ReEvaluation `json:"re_evaluation,omitempty"`
}

// Validate checks the required fields for ingestion. Failures wrap
// ErrInvalid.
func (e *Event) Validate() error {
	var errs []error
	if strings.TrimSpace(e.EventID) == "" {
		errs = append(errs, errors.New("event_id is required"))
	}
	if strings.TrimSpace(e.AgentID) == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	switch e.EventType {
	case TypeFile, TypeClipboard, TypeUSB:
	case "":
		errs = append(errs, errors.New("event_type is required"))
	default:
		errs = append(errs, fmt.Errorf("event_type %q is not one of file, clipboard, usb", e.EventType))
	}
	if e.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
