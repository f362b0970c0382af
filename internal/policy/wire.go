package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"encoding/json"
)

// Wire is the agent-facing serialisation of a single policy inside a bundle.
// Severity and priority are deliberately absent: the agent derives severity
// from the requested action, and cross-policy ordering on the endpoint is by
// action strictness then policy id.
type Wire struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Action  Action          `json:"action"`
	Config  json.RawMessage `json:"config"`
}

// Bundle is the versioned per-platform policy snapshot handed to one agent.
//
// Policies is keyed by policy type. encoding/json marshals map keys in sorted
// order, which the bundle determinism contract relies on: two bundles with
// the same version must serialise to identical bytes.
type Bundle struct {
	Version     string          `json:"version"`
	PolicyCount int             `json:"policy_count"`
	Platform    string          `json:"platform"`
	Policies    map[Type][]Wire `json:"policies"`
}

// StatusUpToDate is the SyncResponse.Status value meaning the caller's
// installed bundle version is current and no bundle is included.
const StatusUpToDate = "up_to_date"

// SyncResponse is the body of POST /agents/{id}/policies/sync. When Status is
// StatusUpToDate the embedded bundle fields are zero; otherwise Status is
// empty and the bundle fields are populated.
type SyncResponse struct {
	Status string `json:"status,omitempty"`
	Bundle
}

// UpToDate reports whether the response carries no bundle.
func (r *SyncResponse) UpToDate() bool { return r.Status == StatusUpToDate }

// Rule is a single policy decoded into the flat shape the agent's monitors,
// classifier, and enforcer consume. All path and extension normalisation has
// already happened: extensions are lowercased with a leading dot, monitored
// paths are absolute with environment variables expanded.
type Rule struct {
	ID       string
	Name     string
	Type     Type
	Enabled  bool
	Action   Action
	Priority int

	MonitoredPaths  []string
	FileExtensions  []string
	MonitoredEvents []string
	DataTypes       []string
	QuarantinePath  string
	MinMatchCount   int
	PollInterval    time.Duration

	// hasOtherConfig records that the rule carried paths or patterns even
	// though monitoredEvents was empty. Older bundles used that combination
	// to mean "all events".
	hasOtherConfig bool
}

// DecodeRule converts one wire policy of type t into a Rule. The config blob
// is decoded according to t; decode failures mean the manager shipped a shape
// this build cannot interpret and the rule is skipped by the caller.
func DecodeRule(t Type, w Wire) (Rule, error) {
	r := Rule{
		ID:      w.ID,
		Name:    w.Name,
		Type:    t,
		Enabled: w.Enabled,
		Action:  w.Action,
	}
	switch t {
	case TypeFileSystem, TypeFileTransfer:
		var cfg FileConfig
		if err := json.Unmarshal(w.Config, &cfg); err != nil {
			return Rule{}, fmt.Errorf("policy %s: decode file config: %w", w.ID, err)
		}
		r.MonitoredPaths = expandPaths(cfg.MonitoredPaths)
		r.FileExtensions = normalizeExtensions(cfg.FileExtensions)
		r.MonitoredEvents = cfg.MonitoredEvents
		r.DataTypes = cfg.Patterns.All()
		r.QuarantinePath = ExpandPath(cfg.QuarantinePath)
		r.MinMatchCount = cfg.MinMatchCount
		if cfg.Action != "" {
			r.Action = cfg.Action
		}
		r.hasOtherConfig = len(cfg.MonitoredPaths) > 0 || len(r.DataTypes) > 0
	case TypeClipboard:
		var cfg ClipboardConfig
		if err := json.Unmarshal(w.Config, &cfg); err != nil {
			return Rule{}, fmt.Errorf("policy %s: decode clipboard config: %w", w.ID, err)
		}
		r.MonitoredEvents = cfg.MonitoredEvents
		if len(r.MonitoredEvents) == 0 {
			r.MonitoredEvents = []string{"clipboard"}
		}
		r.DataTypes = cfg.Patterns.All()
		r.MinMatchCount = cfg.MinMatchCount
		if cfg.Action != "" {
			r.Action = cfg.Action
		}
		if cfg.PollIntervalSeconds > 0 {
			r.PollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
		}
		r.hasOtherConfig = len(r.DataTypes) > 0
	case TypeUSBDevice:
		var cfg USBDeviceConfig
		if err := json.Unmarshal(w.Config, &cfg); err != nil {
			return Rule{}, fmt.Errorf("policy %s: decode usb device config: %w", w.ID, err)
		}
		r.MonitoredEvents = cfg.MonitoredEvents
		if len(r.MonitoredEvents) == 0 && cfg.Events != nil {
			r.MonitoredEvents = cfg.Events.MonitoredEvents()
		}
		if cfg.Action != "" {
			r.Action = cfg.Action
		}
	case TypeUSBFileTransfer:
		var cfg USBTransferConfig
		if err := json.Unmarshal(w.Config, &cfg); err != nil {
			return Rule{}, fmt.Errorf("policy %s: decode usb transfer config: %w", w.ID, err)
		}
		r.MonitoredPaths = expandPaths(cfg.MonitoredPaths)
		r.DataTypes = cfg.Patterns.All()
		r.QuarantinePath = ExpandPath(cfg.QuarantinePath)
		if cfg.Action != "" {
			r.Action = cfg.Action
		}
		r.hasOtherConfig = len(cfg.MonitoredPaths) > 0
	default:
		return Rule{}, fmt.Errorf("policy %s: unknown type %q", w.ID, t)
	}
	if r.MinMatchCount < 1 {
		r.MinMatchCount = 1
	}
	return r, nil
}

// RuleFromPolicy decodes a stored manager policy into an evaluable Rule. The
// ingest re-evaluator uses it to run classification against the full policy
// store rather than a platform bundle.
func RuleFromPolicy(p Policy) (Rule, error) {
	r, err := DecodeRule(p.Type, Wire{ID: p.ID, Name: p.Name, Enabled: p.Enabled, Config: p.Config})
	if err != nil {
		return Rule{}, err
	}
	r.Priority = p.Priority
	if r.Action == "" {
		r.Action = ActionLog
	}
	return r, nil
}

// MonitorsEvent reports whether the rule applies to events of the given
// subtype. A rule matches when its monitoredEvents contains the subtype, a
// wildcard ("all" or "*"), or is empty while other config is present (legacy
// "all events" encoding).
func (r *Rule) MonitorsEvent(subtype string) bool {
	if len(r.MonitoredEvents) == 0 {
		return r.hasOtherConfig
	}
	for _, ev := range r.MonitoredEvents {
		if ev == subtype || ev == "all" || ev == "*" {
			return true
		}
	}
	return false
}

// MatchesPath reports whether path is under one of the rule's monitored
// directories.
func (r *Rule) MatchesPath(path string) bool {
	cleaned := filepath.Clean(path)
	for _, root := range r.MonitoredPaths {
		root = filepath.Clean(root)
		if cleaned == root || strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// MatchesExtension reports whether path's extension passes the rule's
// extension filter. An empty filter admits every file. Comparison is
// case-insensitive.
func (r *Rule) MatchesExtension(path string) bool {
	if len(r.FileExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range r.FileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// windowsEnvRe matches %VAR% style environment references used in
// Windows-origin monitored paths.
var windowsEnvRe = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)

// ExpandPath expands ~, $VAR/${VAR}, and %VAR% environment references in a
// configured path. Unset variables expand to the empty string, matching
// os.ExpandEnv.
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + path[1:]
		}
	}
	path = windowsEnvRe.ReplaceAllStringFunc(path, func(m string) string {
		return os.Getenv(strings.Trim(m, "%"))
	})
	return os.ExpandEnv(path)
}

func expandPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if expanded := ExpandPath(p); expanded != "" {
			out = append(out, expanded)
		}
	}
	return out
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
