// Package persona models persona packs: the identity references, style,
// behavior policy, and per-camera-mode anchor sets that condition a
// talking-head rendering session.
//
// Packs arrive as JSON (see the wire tags), are validated with accumulated
// errors, and are stored versioned in a [Registry] or a [PostgresStore].
package persona

import (
	"fmt"

	"github.com/Volpestyle/facestream/pkg/types"
)

// AnchorMetadata describes when an anchor image is the right conditioning
// choice.
type AnchorMetadata struct {
	// ExpressionTag names the facial expression the anchor carries
	// (e.g. "friendly", "neutral").
	ExpressionTag string `json:"expression_tag,omitempty"`

	// BestFor tags situations this anchor suits; "canonical" marks the
	// identity-defining anchor, "default" the fallback.
	BestFor []string `json:"best_for,omitempty"`

	// LightingTag optionally names the lighting setup.
	LightingTag string `json:"lighting_tag,omitempty"`

	// CropBox optionally bounds the face region as x, y, w, h.
	CropBox []float64 `json:"crop_box,omitempty"`
}

// Anchor is one reference image available to condition rendering.
type Anchor struct {
	// ImageRef locates the anchor image; resolution to a concrete URL or
	// path goes through the registry's asset resolver.
	ImageRef string `json:"image_ref"`

	// MaskRef optionally locates an alpha mask for the anchor.
	MaskRef string `json:"mask_ref,omitempty"`

	Metadata AnchorMetadata `json:"metadata"`
}

// Identity holds the references that define who the persona is.
type Identity struct {
	FaceEmbeddingRefs []string `json:"face_embedding_refs"`
	AdapterRefs       []string `json:"adapter_refs,omitempty"`
}

// Style holds the persona's visual style references.
type Style struct {
	StyleEmbeddingRefs []string       `json:"style_embedding_refs,omitempty"`
	StageConstraints   map[string]any `json:"stage_constraints,omitempty"`
}

// EmotionRange bounds the allowed intensity for one emotion.
type EmotionRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// BehaviorPolicy constrains what the actor timeline may ask of the persona.
type BehaviorPolicy struct {
	// PersonaCard is the free-text persona description for planning
	// prompts.
	PersonaCard string `json:"persona_card,omitempty"`

	// AllowedEmotions lists the emotions the persona may display. Nil
	// means unrestricted.
	AllowedEmotions []string `json:"allowed_emotions,omitempty"`

	// EmotionRanges bounds the intensity per emotion. Emotions absent
	// from the map clamp into [0, 1].
	EmotionRanges map[string]EmotionRange `json:"emotion_ranges,omitempty"`
}

// Pack is a complete versioned persona definition.
type Pack struct {
	PersonaID string `json:"persona_id"`
	Version   string `json:"version"`
	CreatedAt string `json:"created_at,omitempty"`

	// AnchorSets maps camera mode to the anchors available in it.
	AnchorSets map[types.CameraMode][]Anchor `json:"anchor_sets"`

	Identity       Identity       `json:"identity"`
	Style          Style          `json:"style"`
	BehaviorPolicy BehaviorPolicy `json:"behavior_policy"`
}

// Validate checks structural requirements and returns every problem found.
// An empty slice means the pack is usable.
func Validate(pack *Pack) []string {
	if pack == nil {
		return []string{"pack must be an object"}
	}
	var errs []string
	if pack.PersonaID == "" {
		errs = append(errs, "persona_id must be a non-empty string")
	}
	if pack.Version == "" {
		errs = append(errs, "version must be a non-empty string")
	}
	if pack.AnchorSets == nil {
		errs = append(errs, "anchor_sets must be an object")
	}
	for mode, anchors := range pack.AnchorSets {
		if len(anchors) == 0 {
			errs = append(errs, fmt.Sprintf("anchor_sets.%s must be a non-empty array", mode))
			continue
		}
		for i, anchor := range anchors {
			if anchor.ImageRef == "" {
				errs = append(errs, fmt.Sprintf("anchor_sets.%s[%d].image_ref is required", mode, i))
			}
		}
	}
	return errs
}

// AnchorSet returns the anchors for mode, falling back to the first
// non-empty set of any mode, then to nil.
func (p *Pack) AnchorSet(mode types.CameraMode) []Anchor {
	if p == nil {
		return nil
	}
	if anchors, ok := p.AnchorSets[mode]; ok {
		return anchors
	}
	for _, m := range types.CameraModes {
		if anchors := p.AnchorSets[m]; len(anchors) > 0 {
			return anchors
		}
	}
	for _, anchors := range p.AnchorSets {
		if len(anchors) > 0 {
			return anchors
		}
	}
	return nil
}
