package workflow

import (
	"context"
	"fmt"

	"github.com/ospray/ospray-server/internal/implants"
)

// preferredTypeBonus outweighs a single capability match but not two.
const preferredTypeBonus = 2

// ErrNoMatch is returned when no implant survives filtering. It is a
// routing outcome, not an infrastructure failure.
var ErrNoMatch = fmt.Errorf("no implant matches the task requirements")

// FindBestImplantForTask scores every candidate implant: one point per
// matched required capability plus a bonus for the preferred type.
// Candidates below the minimum connection quality, not connected when a
// connection is required, or on the exclusion list are disqualified.
// Ties break by connection quality, then earliest heartbeat, then id,
// so repeated calls over unchanged state pick the same implant.
func (o *Orchestrator) FindBestImplantForTask(ctx context.Context, requiredCapabilities []string, preferredType string, opts MatchOptions) (*Match, error) {
	candidates, err := o.directory.ListImplants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list implants: %w", err)
	}

	excluded := make(map[string]bool, len(opts.ExcludeImplants))
	for _, id := range opts.ExcludeImplants {
		excluded[id] = true
	}

	var best *Match
	for i := range candidates {
		imp := candidates[i]
		if excluded[imp.ID] {
			continue
		}
		if imp.Status == implants.StatusTerminated {
			continue
		}
		if opts.RequireConnected && !reachable(imp.Status) {
			continue
		}
		if imp.ConnectionQuality < opts.MinimumConnectionQuality {
			continue
		}

		matched := make([]string, 0, len(requiredCapabilities))
		for _, cap := range requiredCapabilities {
			if imp.HasCapability(cap) {
				matched = append(matched, cap)
			}
		}
		score := len(matched)
		if preferredType != "" && imp.Type == preferredType {
			score += preferredTypeBonus
		}
		if score == 0 {
			continue
		}

		m := &Match{Implant: imp, Score: score, MatchedCapabilities: matched}
		if best == nil || better(m, best) {
			best = m
		}
	}

	if best == nil {
		return nil, ErrNoMatch
	}
	return best, nil
}

func reachable(s implants.Status) bool {
	return s == implants.StatusConnected || s == implants.StatusIdle || s == implants.StatusBusy
}

func better(a, b *Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Implant.ConnectionQuality != b.Implant.ConnectionQuality {
		return a.Implant.ConnectionQuality > b.Implant.ConnectionQuality
	}
	if !a.Implant.LastHeartbeat.Equal(b.Implant.LastHeartbeat) {
		return a.Implant.LastHeartbeat.Before(b.Implant.LastHeartbeat)
	}
	return a.Implant.ID < b.Implant.ID
}
