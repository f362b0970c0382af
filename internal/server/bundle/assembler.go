// Package bundle assembles the policy bundles agents install. Assembly is
// deterministic: the same policy store state always yields byte-identical
// bundles and the same version string, so agents can compare versions
// cheaply and the manager can short-circuit unchanged syncs.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cybersentinel/dlp/internal/policy"
)

// platformTypes maps each agent platform to the policy families its build
// supports. Families outside the set are omitted from that platform's
// bundle.
var platformTypes = map[string]map[policy.Type]bool{
	"windows": {
		policy.TypeFileSystem:      true,
		policy.TypeFileTransfer:    true,
		policy.TypeClipboard:       true,
		policy.TypeUSBDevice:       true,
		policy.TypeUSBFileTransfer: true,
	},
	"linux": {
		policy.TypeFileSystem:      true,
		policy.TypeFileTransfer:    true,
		policy.TypeClipboard:       true,
		policy.TypeUSBDevice:       true,
		policy.TypeUSBFileTransfer: true,
	},
	// No macOS USB enforcement backend yet; USB families stay manager-side.
	"darwin": {
		policy.TypeFileSystem:   true,
		policy.TypeFileTransfer: true,
		policy.TypeClipboard:    true,
	},
}

// Assembler builds sync responses from the policy store contents.
type Assembler struct {
	logger *slog.Logger
}

// New constructs an Assembler.
func New(logger *slog.Logger) *Assembler {
	return &Assembler{logger: logger.With(slog.String("component", "bundle"))}
}

// Sync answers one agent sync request. policies must be the enabled policy
// set in store order. When the version the agent reports already matches the
// bundle the store would produce, the response carries no bundle.
func (a *Assembler) Sync(platform, currentVersion string, policies []policy.Policy) *policy.SyncResponse {
	scoped := scope(platform, policies)
	version := Version(scoped)
	if currentVersion != "" && currentVersion == version {
		return &policy.SyncResponse{Status: policy.StatusUpToDate}
	}
	return &policy.SyncResponse{Bundle: a.assemble(platform, version, scoped)}
}

// scope filters policies down to the families the platform supports. Unknown
// platforms get the full set; an agent skips families it cannot decode.
func scope(platform string, policies []policy.Policy) []policy.Policy {
	supported, known := platformTypes[platform]
	if !known {
		return policies
	}
	scoped := make([]policy.Policy, 0, len(policies))
	for _, p := range policies {
		if supported[p.Type] {
			scoped = append(scoped, p)
		}
	}
	return scoped
}

// Version derives the bundle version for a policy set: the hex SHA-256 over
// the sorted (policy_id, updated_at, enabled, type) tuples. Any edit,
// enable, or disable bumps updated_at and therefore the version; ordering
// in the input does not matter.
func Version(policies []policy.Policy) string {
	lines := make([]string, 0, len(policies))
	for _, p := range policies {
		lines = append(lines, fmt.Sprintf("%s|%s|%t|%s",
			p.ID, p.UpdatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z"), p.Enabled, p.Type))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// assemble builds the wire bundle. Policies whose config fails validation
// are excluded with a warning rather than poisoning the whole bundle.
func (a *Assembler) assemble(platform, version string, policies []policy.Policy) policy.Bundle {
	b := policy.Bundle{
		Version:  version,
		Platform: platform,
		Policies: make(map[policy.Type][]policy.Wire),
	}
	for _, p := range policies {
		if err := policy.ValidateConfig(p.Type, p.Config); err != nil {
			a.logger.Warn("excluding policy with invalid config from bundle",
				slog.String("policy_id", p.ID), slog.String("type", string(p.Type)),
				slog.Any("error", err))
			continue
		}
		b.Policies[p.Type] = append(b.Policies[p.Type], toWire(p))
		b.PolicyCount++
	}
	return b
}

// toWire projects a stored policy onto the wire shape. The top-level action
// mirrors the config's action so agents can route without decoding the
// config first.
func toWire(p policy.Policy) policy.Wire {
	var meta struct {
		Action policy.Action `json:"action"`
	}
	_ = json.Unmarshal(p.Config, &meta)
	return policy.Wire{
		ID:      p.ID,
		Name:    p.Name,
		Enabled: p.Enabled,
		Action:  meta.Action,
		Config:  p.Config,
	}
}
