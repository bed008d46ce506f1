package anchor

import (
	"testing"

	"github.com/Volpestyle/facestream/pkg/persona"
	"github.com/Volpestyle/facestream/pkg/types"
)

func testPack() *persona.Pack {
	return &persona.Pack{
		PersonaID: "ava",
		Version:   "v1",
		AnchorSets: map[types.CameraMode][]persona.Anchor{
			types.CameraSelfie: {
				{ImageRef: "b-smile.png", Metadata: persona.AnchorMetadata{ExpressionTag: "friendly"}},
				{ImageRef: "a-neutral.png", Metadata: persona.AnchorMetadata{
					ExpressionTag: "neutral",
					BestFor:       []string{"canonical"},
				}},
				{ImageRef: "c-happy.png", Metadata: persona.AnchorMetadata{
					ExpressionTag: "friendly",
					BestFor:       []string{"friendly"},
				}},
			},
		},
	}
}

func TestSelectCanonical(t *testing.T) {
	anchors := testPack().AnchorSet(types.CameraSelfie)
	got := SelectCanonical(anchors)
	if got == nil || got.ImageRef != "a-neutral.png" {
		t.Errorf("canonical = %+v, want a-neutral.png", got)
	}

	// Without a canonical tag, "default" wins, then the first anchor.
	anchors = []persona.Anchor{
		{ImageRef: "x.png"},
		{ImageRef: "y.png", Metadata: persona.AnchorMetadata{BestFor: []string{"default"}}},
	}
	if got := SelectCanonical(anchors); got.ImageRef != "y.png" {
		t.Errorf("default fallback = %q, want y.png", got.ImageRef)
	}
	if got := SelectCanonical(anchors[:1]); got.ImageRef != "x.png" {
		t.Errorf("first fallback = %q, want x.png", got.ImageRef)
	}
	if got := SelectCanonical(nil); got != nil {
		t.Errorf("empty anchors = %+v, want nil", got)
	}
}

func TestScore(t *testing.T) {
	expr := persona.Anchor{Metadata: persona.AnchorMetadata{ExpressionTag: "Friendly"}}
	tag := persona.Anchor{Metadata: persona.AnchorMetadata{BestFor: []string{"friendly"}}}
	both := persona.Anchor{Metadata: persona.AnchorMetadata{
		ExpressionTag: "friendly",
		BestFor:       []string{"friendly", "canonical"},
	}}
	canonical := persona.Anchor{Metadata: persona.AnchorMetadata{BestFor: []string{"canonical"}}}

	// Expression tag matching is case-insensitive.
	if got := Score(expr, "friendly"); got != 2.0 {
		t.Errorf("expression score = %v, want 2.0", got)
	}
	if got := Score(tag, "FRIENDLY"); got != 1.0 {
		t.Errorf("best_for score = %v, want 1.0", got)
	}
	if got := Score(both, "friendly"); got != 3.25 {
		t.Errorf("combined score = %v, want 3.25", got)
	}
	if got := Score(canonical, ""); got != 0.25 {
		t.Errorf("canonical score = %v, want 0.25", got)
	}
	if got := Score(persona.Anchor{}, "friendly"); got != 0 {
		t.Errorf("plain score = %v, want 0", got)
	}
}

func TestShouldRefresh(t *testing.T) {
	policy := RefreshPolicy{}

	tests := []struct {
		name      string
		drift     *types.DriftSignal
		turnIndex int
		refresh   bool
		reason    string
	}{
		{"healthy mid-cycle", &types.DriftSignal{IdentitySimilarity: 0.9, BgSimilarity: 0.9}, 3, false, ReasonStable},
		{"identity fail", &types.DriftSignal{IdentitySimilarity: 0.5, BgSimilarity: 0.9}, 3, true, ReasonIdentityFail},
		{"background fail", &types.DriftSignal{IdentitySimilarity: 0.9, BgSimilarity: 0.5}, 3, true, ReasonBackgroundFail},
		{"flicker fail", &types.DriftSignal{IdentitySimilarity: 0.9, BgSimilarity: 0.9, FlickerScore: 0.7}, 3, true, ReasonFlickerFail},
		{"periodic", &types.DriftSignal{IdentitySimilarity: 0.9, BgSimilarity: 0.9}, 8, true, ReasonPeriodicRefresh},
		{"periodic 16", &types.DriftSignal{IdentitySimilarity: 0.9, BgSimilarity: 0.9}, 16, true, ReasonPeriodicRefresh},
		{"turn zero no periodic", &types.DriftSignal{IdentitySimilarity: 0.9, BgSimilarity: 0.9}, 0, false, ReasonStable},
		{"no drift measurement", nil, 1, false, ReasonStable},
		// Drift fail outranks the periodic cadence on the same turn.
		{"drift beats periodic", &types.DriftSignal{IdentitySimilarity: 0.5, BgSimilarity: 0.9}, 8, true, ReasonIdentityFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldRefresh(tt.drift, tt.turnIndex, policy)
			if got.Refresh != tt.refresh || got.Reason != tt.reason {
				t.Errorf("ShouldRefresh() = %+v, want %v/%s", got, tt.refresh, tt.reason)
			}
		})
	}
}

func TestShouldRefresh_DisabledCadence(t *testing.T) {
	got := ShouldRefresh(nil, 8, RefreshPolicy{RefreshEveryTurns: -1})
	if got.Refresh {
		t.Errorf("disabled cadence refreshed: %+v", got)
	}
}

func TestSelect_NoAnchors(t *testing.T) {
	pack := &persona.Pack{AnchorSets: map[types.CameraMode][]persona.Anchor{}}
	got := Select(Request{Pack: pack, Mode: types.CameraSelfie})
	if got.Anchor != nil || got.Reason != "no_anchors" {
		t.Errorf("selection = %+v, want nil/no_anchors", got)
	}
}

func TestSelect_ReuseLast(t *testing.T) {
	got := Select(Request{
		Pack:          testPack(),
		Mode:          types.CameraSelfie,
		LastAnchorRef: "b-smile.png",
		TurnIndex:     3,
	})
	if got.Reason != "reuse_last_anchor" || got.Anchor.ImageRef != "b-smile.png" {
		t.Errorf("selection = %+v, want reuse of b-smile.png", got)
	}
}

func TestSelect_RefreshTakesCanonical(t *testing.T) {
	got := Select(Request{
		Pack:          testPack(),
		Mode:          types.CameraSelfie,
		LastAnchorRef: "b-smile.png",
		TurnIndex:     8,
	})
	if got.Reason != "refresh:periodic_refresh" {
		t.Errorf("reason = %q, want refresh:periodic_refresh", got.Reason)
	}
	if got.Anchor == nil || got.Anchor.ImageRef != "a-neutral.png" {
		t.Errorf("anchor = %+v, want canonical", got.Anchor)
	}
}

func TestSelect_BestMatch(t *testing.T) {
	got := Select(Request{
		Pack:           testPack(),
		Mode:           types.CameraSelfie,
		DesiredEmotion: "friendly",
		TurnIndex:      2,
	})
	// c-happy.png scores 3.0 (expression + best_for) over b-smile.png 2.0.
	if got.Reason != "best_match" || got.Anchor.ImageRef != "c-happy.png" {
		t.Errorf("selection = %+v, want best_match c-happy.png", got)
	}
}

func TestSelect_TiebreakByImageRef(t *testing.T) {
	pack := &persona.Pack{
		AnchorSets: map[types.CameraMode][]persona.Anchor{
			types.CameraSelfie: {
				{ImageRef: "z.png"},
				{ImageRef: "a.png"},
				{ImageRef: "m.png"},
			},
		},
	}
	got := Select(Request{Pack: pack, Mode: types.CameraSelfie, TurnIndex: 1})
	if got.Anchor.ImageRef != "a.png" {
		t.Errorf("tiebreak = %q, want a.png (ascending image_ref)", got.Anchor.ImageRef)
	}
}
