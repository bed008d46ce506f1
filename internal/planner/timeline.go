package planner

import (
	"math"
	"slices"

	"github.com/Volpestyle/facestream/pkg/persona"
)

// ClampActorTimeline enforces a persona's behavior policy on an actor
// timeline: disallowed emotions are replaced with the first allowed one, and
// intensities are clamped into the per-emotion range (or [0, 1] when the
// policy does not bound the emotion). The input is not modified.
func ClampActorTimeline(timeline []ActorEvent, policy persona.BehaviorPolicy) []ActorEvent {
	clamped := make([]ActorEvent, 0, len(timeline))
	for _, event := range timeline {
		next := event
		if len(policy.AllowedEmotions) > 0 && next.Emotion != "" && !slices.Contains(policy.AllowedEmotions, next.Emotion) {
			next.Emotion = policy.AllowedEmotions[0]
		}
		if bounds, ok := policy.EmotionRanges[next.Emotion]; ok {
			next.Intensity = math.Max(bounds.Min, math.Min(bounds.Max, next.Intensity))
		} else {
			next.Intensity = math.Max(0, math.Min(1, next.Intensity))
		}
		clamped = append(clamped, next)
	}
	return clamped
}
