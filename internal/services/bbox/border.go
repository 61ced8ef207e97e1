package bbox

type Border string

const (
	BorderNone       Border = "no-boxes"
	BorderSingle     Border = "single-label"
	BorderMultilabel Border = "possible-multilabel"
)

// DistinctLabels returns the set of labels of boxes whose score reaches threshold.
func (s Set) DistinctLabels(threshold float64) map[string]struct{} {
	out := map[string]struct{}{}
	for i, label := range s.Labels {
		if i >= len(s.Scores) || s.Scores[i] < threshold {
			continue
		}
		if i < len(s.UncertainFlags) && s.UncertainFlags[i] {
			continue
		}
		if label.Value == "" {
			continue
		}
		out[label.Value] = struct{}{}
	}
	return out
}

// Classify picks the grid border for an image from its visible box labels.
func Classify(s Set, threshold float64) Border {
	switch n := len(s.DistinctLabels(threshold)); {
	case n == 0:
		return BorderNone
	case n == 1:
		return BorderSingle
	default:
		return BorderMultilabel
	}
}
