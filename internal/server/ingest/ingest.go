// Package ingest implements the manager's event intake: validation,
// idempotent dedup on event_id, authoritative re-evaluation against the
// current policy store, and persistence through the batched storage path.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cybersentinel/dlp/internal/classify"
	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
	"github.com/cybersentinel/dlp/internal/server/storage"
)

// Store is the subset of the storage layer the ingestor uses. Satisfied by
// *storage.Store; stubbed in tests.
type Store interface {
	InsertEvent(ctx context.Context, e *event.Event) error
	GetEventByID(ctx context.Context, eventID string) (*event.Event, error)
	ListPolicies(ctx context.Context, q storage.PolicyQuery) ([]policy.Policy, error)
}

// Ingestor processes uploaded events.
type Ingestor struct {
	logger *slog.Logger
	store  Store
}

// New constructs an Ingestor.
func New(logger *slog.Logger, store Store) *Ingestor {
	return &Ingestor{logger: logger.With(slog.String("component", "ingest")), store: store}
}

// Ingest validates, dedups, re-evaluates, and persists e.
//
// The returned event is the stored view: for a replayed event_id that is the
// previously stored event, unchanged, and created is false. Errors wrap
// event.ErrInvalid for malformed events (answer 400, the agent must drop)
// and storage.ErrBusy under write back-pressure (answer 503, the agent
// should redeliver).
func (i *Ingestor) Ingest(ctx context.Context, e *event.Event) (*event.Event, bool, error) {
	if err := e.Validate(); err != nil {
		return nil, false, err
	}

	prior, err := i.store.GetEventByID(ctx, e.EventID)
	if err == nil {
		i.logger.Debug("duplicate event delivery",
			slog.String("event_id", e.EventID), slog.String("agent_id", e.AgentID))
		return prior, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	if e.SourceType == "" {
		e.SourceType = event.SourceAgent
	}
	i.reevaluate(ctx, e)

	if err := i.store.InsertEvent(ctx, e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// reevaluate classifies the event's captured content against the full
// current policy store and records the manager's view alongside the agent's.
// The agent-reported fields are never rewritten: when the agent ran against
// a stale bundle the two views legitimately disagree, and both matter.
func (i *Ingestor) reevaluate(ctx context.Context, e *event.Event) {
	if e.Content == "" {
		return
	}

	enabled := true
	policies, err := i.store.ListPolicies(ctx, storage.PolicyQuery{Enabled: &enabled})
	if err != nil {
		i.logger.Warn("re-evaluation skipped, cannot load policies", slog.Any("error", err))
		return
	}

	rules := make([]policy.Rule, 0, len(policies))
	byID := make(map[string]*policy.Policy, len(policies))
	ruleByID := make(map[string]*policy.Rule, len(policies))
	for idx := range policies {
		p := &policies[idx]
		r, err := policy.RuleFromPolicy(*p)
		if err != nil {
			i.logger.Warn("re-evaluation skipping undecodable policy",
				slog.String("policy_id", p.ID), slog.Any("error", err))
			continue
		}
		rules = append(rules, r)
		byID[p.ID] = p
		ruleByID[p.ID] = &rules[len(rules)-1]
	}

	res := classify.Classify(e.Content, e.EventSubtype, rules)
	matched := res.MatchedPolicies
	if matched == nil {
		matched = []string{}
	}
	re := &event.ReEvaluation{
		MatchedPolicies: matched,
		DataTypes:       res.DataTypes,
		Severity:        res.Severity,
		SuggestedAction: res.SuggestedAction,
		TotalMatches:    res.TotalMatches,
	}
	for _, id := range res.MatchedPolicies {
		p, r := byID[id], ruleByID[id]
		if p == nil || r == nil {
			continue
		}
		re.Summaries = append(re.Summaries, event.PolicyActionSummary{
			PolicyID: id,
			Name:     p.Name,
			Action:   r.Action,
			Severity: p.Severity,
		})
	}
	e.ReEvaluation = re
}
