// Package policy defines the DLP policy model shared by the manager and the
// endpoint agent: the persisted Policy record with its per-type config
// variants, the agent-facing wire shapes produced by bundle assembly, and the
// immutable Snapshot the agent's monitors consult.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type identifies the monitoring family a policy belongs to. The set is
// closed; Config decoding and validation dispatch on it.
type Type string

const (
	TypeFileSystem      Type = "file_system_monitoring"
	TypeFileTransfer    Type = "file_transfer_monitoring"
	TypeClipboard       Type = "clipboard_monitoring"
	TypeUSBDevice       Type = "usb_device_monitoring"
	TypeUSBFileTransfer Type = "usb_file_transfer_monitoring"
)

// KnownTypes lists every policy type understood by this build, in the order
// bundles serialise their policy groups.
var KnownTypes = []Type{
	TypeFileSystem,
	TypeClipboard,
	TypeUSBDevice,
	TypeUSBFileTransfer,
	TypeFileTransfer,
}

// IsKnown reports whether t names a policy family this build understands.
// Agents ignore unknown types rather than rejecting the bundle that carries
// them.
func (t Type) IsKnown() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Severity is the operator-configured urgency of a policy or event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for max-severity selection; higher is worse.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity returns the more urgent of a and b.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Action is the enforcement response a policy requests.
type Action string

const (
	ActionLog        Action = "log"
	ActionAlert      Action = "alert"
	ActionQuarantine Action = "quarantine"
	ActionBlock      Action = "block"
)

// actionRank orders actions by strictness: block > quarantine > alert > log.
var actionRank = map[Action]int{
	ActionLog:        0,
	ActionAlert:      1,
	ActionQuarantine: 2,
	ActionBlock:      3,
}

// StricterAction returns the stricter of a and b under the
// block > quarantine > alert > log ordering.
func StricterAction(a, b Action) Action {
	if actionRank[b] > actionRank[a] {
		return b
	}
	return a
}

// ErrInvalidConfig is wrapped by every config validation failure so callers
// can distinguish a malformed policy from an infrastructure error.
var ErrInvalidConfig = errors.New("invalid policy config")

// Policy is the manager-side persisted record. Config holds the raw JSON
// config blob; its schema depends on Type and is validated on every write.
type Policy struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        Type            `json:"type"`
	Severity    Severity        `json:"severity"`
	Priority    int             `json:"priority"`
	Enabled     bool            `json:"enabled"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PatternSet carries the data-type identifiers a policy matches content
// against. Predefined names refer to the built-in detector catalogue; Custom
// entries are additional detector identifiers configured server-side.
type PatternSet struct {
	Predefined []string `json:"predefined,omitempty"`
	Custom     []string `json:"custom,omitempty"`
}

// All returns the union of predefined and custom identifiers.
func (p PatternSet) All() []string {
	out := make([]string, 0, len(p.Predefined)+len(p.Custom))
	out = append(out, p.Predefined...)
	out = append(out, p.Custom...)
	return out
}

// FileConfig is the config shape for file_system_monitoring and
// file_transfer_monitoring policies.
type FileConfig struct {
	MonitoredPaths  []string   `json:"monitoredPaths"`
	FileExtensions  []string   `json:"fileExtensions,omitempty"`
	MonitoredEvents []string   `json:"monitoredEvents,omitempty"`
	Patterns        PatternSet `json:"patterns,omitempty"`
	Action          Action     `json:"action"`
	QuarantinePath  string     `json:"quarantinePath,omitempty"`
	MinMatchCount   int        `json:"minMatchCount,omitempty"`
}

// ClipboardConfig is the config shape for clipboard_monitoring policies.
type ClipboardConfig struct {
	Patterns            PatternSet `json:"patterns,omitempty"`
	Action              Action     `json:"action"`
	MonitoredEvents     []string   `json:"monitoredEvents,omitempty"`
	PollIntervalSeconds int        `json:"pollIntervalSeconds,omitempty"`
	MinMatchCount       int        `json:"minMatchCount,omitempty"`
}

// USBEventFlags is the legacy boolean-flag form of the USB event selection.
// The assembler expands it into a monitoredEvents string list on the wire.
type USBEventFlags struct {
	Connect      bool `json:"connect"`
	Disconnect   bool `json:"disconnect"`
	FileTransfer bool `json:"fileTransfer"`
}

// MonitoredEvents converts the flags to the canonical event-subtype list.
func (f USBEventFlags) MonitoredEvents() []string {
	var evs []string
	if f.Connect {
		evs = append(evs, "usb_connect")
	}
	if f.Disconnect {
		evs = append(evs, "usb_disconnect")
	}
	if f.FileTransfer {
		evs = append(evs, "usb_file_transfer")
	}
	return evs
}

// USBDeviceConfig is the config shape for usb_device_monitoring policies.
// Either Events (legacy flags) or MonitoredEvents may be present; the wire
// form always carries MonitoredEvents.
type USBDeviceConfig struct {
	Events          *USBEventFlags `json:"events,omitempty"`
	MonitoredEvents []string       `json:"monitoredEvents,omitempty"`
	Action          Action         `json:"action"`
}

// USBTransferConfig is the config shape for usb_file_transfer_monitoring
// policies. MonitoredPaths are source directories on the host whose files
// must not appear on removable drives.
type USBTransferConfig struct {
	MonitoredPaths []string   `json:"monitoredPaths"`
	Patterns       PatternSet `json:"patterns,omitempty"`
	Action         Action     `json:"action"`
	QuarantinePath string     `json:"quarantinePath,omitempty"`
}

// validFileEvents is the accepted monitoredEvents vocabulary for file
// policies. "all" and "*" are wildcard selectors; an empty list with other
// config present also means "all events" (legacy behaviour).
var validFileEvents = map[string]bool{
	"file_created":  true,
	"file_modified": true,
	"file_deleted":  true,
	"file_renamed":  true,
	"all":           true,
	"*":             true,
}

// ValidateConfig decodes raw as the config shape for t and checks every
// field-level invariant. All failures wrap ErrInvalidConfig. An unknown type
// is itself a validation failure on the manager; agents never call this for
// unknown types.
func ValidateConfig(t Type, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty config for type %q", ErrInvalidConfig, t)
	}
	switch t {
	case TypeFileSystem, TypeFileTransfer:
		var cfg FileConfig
		if err := strictDecode(raw, &cfg); err != nil {
			return err
		}
		return validateFileConfig(&cfg)
	case TypeClipboard:
		var cfg ClipboardConfig
		if err := strictDecode(raw, &cfg); err != nil {
			return err
		}
		return validateClipboardConfig(&cfg)
	case TypeUSBDevice:
		var cfg USBDeviceConfig
		if err := strictDecode(raw, &cfg); err != nil {
			return err
		}
		return validateUSBDeviceConfig(&cfg)
	case TypeUSBFileTransfer:
		var cfg USBTransferConfig
		if err := strictDecode(raw, &cfg); err != nil {
			return err
		}
		return validateUSBTransferConfig(&cfg)
	default:
		return fmt.Errorf("%w: unknown policy type %q", ErrInvalidConfig, t)
	}
}

// strictDecode unmarshals raw into v, folding JSON syntax errors into
// ErrInvalidConfig. Unknown fields are tolerated: older managers may emit
// fields this build does not know about.
func strictDecode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func validateFileConfig(cfg *FileConfig) error {
	var errs []error
	if len(cfg.MonitoredPaths) == 0 {
		errs = append(errs, errors.New("monitoredPaths is required"))
	}
	for _, p := range cfg.MonitoredPaths {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, errors.New("monitoredPaths entries must be non-empty"))
			break
		}
	}
	for _, ext := range cfg.FileExtensions {
		if ext == "" || !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("fileExtensions entry %q must start with a dot", ext))
		}
	}
	for _, ev := range cfg.MonitoredEvents {
		if !validFileEvents[ev] {
			errs = append(errs, fmt.Errorf("monitoredEvents entry %q is not a file event", ev))
		}
	}
	if err := validateAction(cfg.Action, ActionLog, ActionAlert, ActionQuarantine, ActionBlock); err != nil {
		errs = append(errs, err)
	}
	// 0 means "not set" and defaults to 1 when the rule is decoded.
	if cfg.MinMatchCount < 0 {
		errs = append(errs, fmt.Errorf("minMatchCount %d must not be negative", cfg.MinMatchCount))
	}
	return wrapInvalid(errs)
}

func validateClipboardConfig(cfg *ClipboardConfig) error {
	var errs []error
	if err := validateAction(cfg.Action, ActionLog, ActionAlert, ActionBlock); err != nil {
		errs = append(errs, err)
	}
	if cfg.PollIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("pollIntervalSeconds %d must be positive", cfg.PollIntervalSeconds))
	}
	return wrapInvalid(errs)
}

func validateUSBDeviceConfig(cfg *USBDeviceConfig) error {
	var errs []error
	if cfg.Events == nil && len(cfg.MonitoredEvents) == 0 {
		errs = append(errs, errors.New("either events flags or monitoredEvents is required"))
	}
	if err := validateAction(cfg.Action, ActionLog, ActionAlert, ActionBlock); err != nil {
		errs = append(errs, err)
	}
	return wrapInvalid(errs)
}

func validateUSBTransferConfig(cfg *USBTransferConfig) error {
	var errs []error
	if len(cfg.MonitoredPaths) == 0 {
		errs = append(errs, errors.New("monitoredPaths is required"))
	}
	if err := validateAction(cfg.Action, ActionAlert, ActionQuarantine, ActionBlock); err != nil {
		errs = append(errs, err)
	}
	if cfg.Action == ActionQuarantine && cfg.QuarantinePath == "" {
		errs = append(errs, errors.New("quarantinePath is required when action is quarantine"))
	}
	return wrapInvalid(errs)
}

func validateAction(a Action, allowed ...Action) error {
	if a == "" {
		return errors.New("action is required")
	}
	for _, al := range allowed {
		if a == al {
			return nil
		}
	}
	return fmt.Errorf("action %q is not permitted for this policy type", a)
}

func wrapInvalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
