// Package anchor chooses which persona anchor image conditions the next
// rendering turn.
//
// A healthy session keeps reusing its last anchor. Drift failures, flicker,
// or the periodic refresh cadence force a reset back to the canonical
// anchor; otherwise the highest-scoring anchor for the desired emotion wins,
// with the image reference as a deterministic tiebreak.
package anchor

import (
	"slices"
	"sort"
	"strings"

	"github.com/Volpestyle/facestream/pkg/persona"
	"github.com/Volpestyle/facestream/pkg/types"
)

// RefreshPolicy controls when the session abandons its current anchor.
type RefreshPolicy struct {
	// RefreshEveryTurns forces a periodic refresh every N turns; 0 takes
	// the default of 8 and a negative value disables it.
	RefreshEveryTurns int `yaml:"refresh_every_turns"`

	// DriftFailThreshold is the identity/background similarity below
	// which the anchor refreshes immediately.
	DriftFailThreshold float64 `yaml:"drift_fail_threshold"`

	// DriftWarnThreshold is carried for dashboards; it does not trigger
	// refreshes.
	DriftWarnThreshold float64 `yaml:"drift_warn_threshold"`

	// FlickerFailThreshold is the flicker score above which the anchor
	// refreshes immediately.
	FlickerFailThreshold float64 `yaml:"flicker_fail_threshold"`
}

// DefaultRefreshPolicy returns the stock refresh policy.
func DefaultRefreshPolicy() RefreshPolicy {
	return RefreshPolicy{
		RefreshEveryTurns:    8,
		DriftFailThreshold:   0.74,
		DriftWarnThreshold:   0.84,
		FlickerFailThreshold: 0.6,
	}
}

// NormalizeRefreshPolicy fills zero fields with the stock values.
// RefreshEveryTurns of -1 is normalised to disabled (0).
func NormalizeRefreshPolicy(p RefreshPolicy) RefreshPolicy {
	def := DefaultRefreshPolicy()
	if p.RefreshEveryTurns == 0 {
		p.RefreshEveryTurns = def.RefreshEveryTurns
	} else if p.RefreshEveryTurns < 0 {
		p.RefreshEveryTurns = 0
	}
	if p.DriftFailThreshold <= 0 {
		p.DriftFailThreshold = def.DriftFailThreshold
	}
	if p.DriftWarnThreshold <= 0 {
		p.DriftWarnThreshold = def.DriftWarnThreshold
	}
	if p.FlickerFailThreshold <= 0 {
		p.FlickerFailThreshold = def.FlickerFailThreshold
	}
	return p
}

// SelectCanonical returns the pack's identity-defining anchor: the first
// tagged "canonical", else the first tagged "default", else the first.
func SelectCanonical(anchors []persona.Anchor) *persona.Anchor {
	if len(anchors) == 0 {
		return nil
	}
	for i := range anchors {
		if slices.Contains(anchors[i].Metadata.BestFor, "canonical") {
			return &anchors[i]
		}
	}
	for i := range anchors {
		if slices.Contains(anchors[i].Metadata.BestFor, "default") {
			return &anchors[i]
		}
	}
	return &anchors[0]
}

// Score rates how well an anchor suits the desired emotion: a matching
// expression tag counts most, a best_for tag counts second, and the
// canonical anchor gets a small constant edge.
func Score(a persona.Anchor, desiredEmotion string) float64 {
	score := 0.0
	if desiredEmotion != "" {
		desired := strings.ToLower(desiredEmotion)
		if strings.ToLower(a.Metadata.ExpressionTag) == desired && a.Metadata.ExpressionTag != "" {
			score += 2.0
		}
		for _, tag := range a.Metadata.BestFor {
			if strings.ToLower(tag) == desired {
				score += 1.0
				break
			}
		}
	}
	if slices.Contains(a.Metadata.BestFor, "canonical") {
		score += 0.25
	}
	return score
}

// RefreshDecision says whether to refresh and why.
type RefreshDecision struct {
	Refresh bool
	Reason  string
}

// Refresh reasons.
const (
	ReasonIdentityFail    = "identity_fail"
	ReasonBackgroundFail  = "background_fail"
	ReasonFlickerFail     = "flicker_fail"
	ReasonPeriodicRefresh = "periodic_refresh"
	ReasonStable          = "stable"
)

// ShouldRefresh decides whether the current anchor must be abandoned:
// drift or flicker failures refresh immediately, then the periodic cadence
// applies. drift may be nil when no measurement exists for the turn.
func ShouldRefresh(drift *types.DriftSignal, turnIndex int, policy RefreshPolicy) RefreshDecision {
	p := NormalizeRefreshPolicy(policy)

	if drift != nil {
		if drift.IdentitySimilarity < p.DriftFailThreshold {
			return RefreshDecision{Refresh: true, Reason: ReasonIdentityFail}
		}
		if drift.BgSimilarity < p.DriftFailThreshold {
			return RefreshDecision{Refresh: true, Reason: ReasonBackgroundFail}
		}
		if drift.FlickerScore > p.FlickerFailThreshold {
			return RefreshDecision{Refresh: true, Reason: ReasonFlickerFail}
		}
	}

	if p.RefreshEveryTurns > 0 && turnIndex > 0 && turnIndex%p.RefreshEveryTurns == 0 {
		return RefreshDecision{Refresh: true, Reason: ReasonPeriodicRefresh}
	}
	return RefreshDecision{Refresh: false, Reason: ReasonStable}
}

// Request carries everything a selection needs.
type Request struct {
	Pack           *persona.Pack
	Mode           types.CameraMode
	DesiredEmotion string

	// LastAnchorRef is the anchor used on the previous turn; reused while
	// the session is healthy.
	LastAnchorRef string

	// Drift is the latest drift measurement, nil when unmeasured.
	Drift *types.DriftSignal

	// TurnIndex is the zero-based turn counter for the periodic cadence.
	TurnIndex int

	Policy RefreshPolicy
}

// Selection is the outcome of a selection.
type Selection struct {
	// Anchor is nil only when the pack has no anchors at all.
	Anchor *persona.Anchor
	Mode   types.CameraMode

	// Reason is one of no_anchors, reuse_last_anchor, refresh:<why>, or
	// best_match.
	Reason string
}

// Select picks the anchor for the next turn.
func Select(req Request) Selection {
	anchors := req.Pack.AnchorSet(req.Mode)
	if len(anchors) == 0 {
		return Selection{Mode: req.Mode, Reason: "no_anchors"}
	}

	refresh := ShouldRefresh(req.Drift, req.TurnIndex, req.Policy)

	if !refresh.Refresh && req.LastAnchorRef != "" {
		for i := range anchors {
			if anchors[i].ImageRef == req.LastAnchorRef {
				return Selection{Anchor: &anchors[i], Mode: req.Mode, Reason: "reuse_last_anchor"}
			}
		}
	}

	if refresh.Refresh {
		return Selection{
			Anchor: SelectCanonical(anchors),
			Mode:   req.Mode,
			Reason: "refresh:" + refresh.Reason,
		}
	}

	ranked := make([]persona.Anchor, len(anchors))
	copy(ranked, anchors)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i], req.DesiredEmotion), Score(ranked[j], req.DesiredEmotion)
		if si != sj {
			return si > sj
		}
		return ranked[i].ImageRef < ranked[j].ImageRef
	})
	return Selection{Anchor: &ranked[0], Mode: req.Mode, Reason: "best_match"}
}
