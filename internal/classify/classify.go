package classify

import (
	"sort"

	"github.com/cybersentinel/dlp/internal/policy"
)

// Suggested actions emitted by Classify. "logged" and "alerted" are the
// detection-only outcomes; "quarantine" and "block" demand enforcement.
const (
	ActionLogged     = "logged"
	ActionAlerted    = "alerted"
	ActionQuarantine = string(policy.ActionQuarantine)
	ActionBlock      = string(policy.ActionBlock)
)

// sampleLimit caps example values per data type in event summaries.
const sampleLimit = 3

// sampleMaxLen truncates each example value in event summaries.
const sampleMaxLen = 40

// Result is the outcome of classifying one piece of content against a rule
// set.
type Result struct {
	// MatchedPolicies lists the ids of rules whose match threshold was met,
	// in rule order.
	MatchedPolicies []string

	// DataTypes lists the detected data types across all matched rules,
	// sorted for determinism.
	DataTypes []string

	// DetectedContent maps each detected data type to its sample values
	// (unredacted; call Summarize before putting this on an event).
	DetectedContent map[string][]string

	// Severity is derived from the strictest requested action:
	// block/quarantine are critical, alert is high, log-only is low.
	Severity policy.Severity

	// SuggestedAction is the strictest action among matched rules, expressed
	// in outcome form (logged, alerted, quarantine, block).
	SuggestedAction string

	// QuarantinePath is the quarantine directory of the deciding rule when
	// SuggestedAction is quarantine.
	QuarantinePath string

	// TotalMatches is the number of detected sample values across all
	// matched data types.
	TotalMatches int
}

// Matched reports whether at least one rule's threshold was met.
func (r *Result) Matched() bool { return len(r.MatchedPolicies) > 0 }

// Classify evaluates content of the given event subtype against rules. It is
// pure: the result depends only on the arguments, and unknown data-type names
// inside rules match nothing.
//
// A rule participates only when it is enabled and monitors the subtype. A
// rule matches when at least minMatchCount of its data types are detected in
// the content. The aggregate severity and suggested action follow the
// strictest matched rule under block > quarantine > alert > log; among rules
// requesting the same action the lowest Priority (then lowest id) decides
// tie-broken attributes such as the quarantine path.
func Classify(content, subtype string, rules []policy.Rule) Result {
	res := Result{
		Severity:        policy.SeverityLow,
		SuggestedAction: ActionLogged,
		DetectedContent: map[string][]string{},
	}

	var deciding *policy.Rule
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if subtype != "" && !r.MonitorsEvent(subtype) {
			continue
		}

		matchedTypes := 0
		for _, dt := range r.DataTypes {
			canonical := Normalize(dt)
			if canonical == "" {
				continue
			}
			if _, done := res.DetectedContent[canonical]; !done {
				if values := Extract(content, canonical); len(values) > 0 {
					res.DetectedContent[canonical] = values
				}
			}
			if len(res.DetectedContent[canonical]) > 0 {
				matchedTypes++
			}
		}

		if matchedTypes == 0 || matchedTypes < r.MinMatchCount {
			continue
		}

		res.MatchedPolicies = append(res.MatchedPolicies, r.ID)
		if deciding == nil || stricter(r, deciding) {
			deciding = r
		}
	}

	// Drop detections that belonged only to rules below their threshold.
	if len(res.MatchedPolicies) == 0 {
		res.DetectedContent = map[string][]string{}
		return res
	}

	for dt, values := range res.DetectedContent {
		res.DataTypes = append(res.DataTypes, dt)
		res.TotalMatches += len(values)
	}
	sort.Strings(res.DataTypes)

	switch deciding.Action {
	case policy.ActionBlock:
		res.Severity = policy.SeverityCritical
		res.SuggestedAction = ActionBlock
	case policy.ActionQuarantine:
		res.Severity = policy.SeverityCritical
		res.SuggestedAction = ActionQuarantine
		res.QuarantinePath = deciding.QuarantinePath
	case policy.ActionAlert:
		res.Severity = policy.SeverityHigh
		res.SuggestedAction = ActionAlerted
	default:
		res.Severity = policy.SeverityLow
		res.SuggestedAction = ActionLogged
	}
	return res
}

// stricter reports whether a should displace b as the deciding rule:
// stricter action first, then lower priority integer, then lower id.
func stricter(a, b *policy.Rule) bool {
	if a.Action != b.Action {
		return policy.StricterAction(b.Action, a.Action) == a.Action
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// Summarize converts raw detections into the redacted form events carry:
// secret-bearing data types collapse to a single "[REDACTED]" sample, others
// keep up to three values truncated to 40 characters.
func Summarize(detected map[string][]string) map[string][]string {
	if len(detected) == 0 {
		return nil
	}
	out := make(map[string][]string, len(detected))
	for dt, values := range detected {
		if IsSecret(dt) {
			out[dt] = []string{"[REDACTED]"}
			continue
		}
		n := len(values)
		if n > sampleLimit {
			n = sampleLimit
		}
		samples := make([]string, 0, n)
		for _, v := range values[:n] {
			if len(v) > sampleMaxLen {
				v = v[:sampleMaxLen]
			}
			samples = append(samples, v)
		}
		out[dt] = samples
	}
	return out
}
