package router

import "strings"

// GeneralButler is the fail-safe routing target used whenever
// classification is invalid, names an unregistered butler, times out, or
// falls below the ambiguity-confidence threshold.
const GeneralButler = "general"

// DependencyMode selects how a decomposition's segments are dispatched
// relative to one another.
type DependencyMode string

const (
	ModeParallel    DependencyMode = "parallel"
	ModeOrdered     DependencyMode = "ordered"
	ModeConditional DependencyMode = "conditional"
)

// Segment is one routed subrequest within a decomposition, matching the
// router's strict output schema ({butler, prompt, segment_id?,
// rationale?}) plus the fields needed to drive fanout and conflict
// arbitration.
type Segment struct {
	Butler      string `json:"butler"`
	Prompt      string `json:"prompt"`
	SegmentID   string `json:"segment_id,omitempty"`
	Rationale   string `json:"rationale,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	DependsOn   string `json:"depends_on,omitempty"` // ModeConditional only
}

// Decomposition is the router's classification output: one or
// more segments plus the fanout mode governing their execution order.
type Decomposition struct {
	Segments       []Segment      `json:"segments"`
	Mode           DependencyMode `json:"mode,omitempty"`
	AbortOnFailure bool           `json:"abort_on_failure,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
}

// fallbackDecomposition routes the entire request to general, unmodified.
func fallbackDecomposition(prompt string) Decomposition {
	return Decomposition{
		Segments: []Segment{{Butler: GeneralButler, Prompt: prompt, SegmentID: "s1"}},
		Mode:     ModeParallel,
	}
}

// validateDecomposition enforces the strict output schema: non-empty
// segment list, every segment has a non-empty butler and prompt, every
// named butler is in the known/registered set. It does not enforce the
// confidence threshold; callers check that separately since it's a
// policy decision, not a schema violation.
func validateDecomposition(d *Decomposition, known map[string]bool) error {
	if len(d.Segments) == 0 {
		return errEmptySegments
	}
	seen := make(map[string]bool, len(d.Segments))
	for i := range d.Segments {
		seg := &d.Segments[i]
		seg.Butler = strings.TrimSpace(seg.Butler)
		if seg.Butler == "" {
			return errMissingButler
		}
		if strings.TrimSpace(seg.Prompt) == "" {
			return errMissingPrompt
		}
		if !known[seg.Butler] {
			return errUnknownButler(seg.Butler)
		}
		if seg.SegmentID == "" {
			seg.SegmentID = syntheticSegmentID(i)
		}
		if seen[seg.SegmentID] {
			return errDuplicateSegmentID(seg.SegmentID)
		}
		seen[seg.SegmentID] = true
	}
	if d.Mode == "" {
		d.Mode = ModeParallel
	}
	return nil
}

func syntheticSegmentID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "s" + string(letters[i%len(letters)]) + string(rune('0'+i/len(letters)))
}
