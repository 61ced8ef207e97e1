package bbox

import (
	"path"

	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
)

// HumanScore is the score given to annotator-confirmed boxes.
const HumanScore = 100.0

type SourceKind string

const (
	SourceAnnotation SourceKind = "annotation"
	SourceMachine    SourceKind = "machine"
	SourceNone       SourceKind = "none"
)

// Set is the display view model of the boxes of one image.
type Set struct {
	Source         SourceKind        `json:"source"`
	Boxes          [][4]float64      `json:"boxes"`
	Scores         []float64         `json:"scores"`
	Labels         []models.BoxLabel `json:"labels"`
	GT             []int             `json:"gt,omitempty"`
	CrowdFlags     []bool            `json:"crowd_flags"`
	ReflectedFlags []bool            `json:"reflected_flags"`
	UncertainFlags []bool            `json:"uncertain_flags"`
	PossibleLabels [][]int           `json:"possible_labels"`
	LabelType      models.LabelType  `json:"label_type,omitempty"`
}

// Empty returns a set with no boxes; slices are non-nil so they encode as [].
func Empty() Set {
	return Set{
		Source:         SourceNone,
		Boxes:          [][4]float64{},
		Scores:         []float64{},
		Labels:         []models.BoxLabel{},
		CrowdFlags:     []bool{},
		ReflectedFlags: []bool{},
		UncertainFlags: []bool{},
		PossibleLabels: [][]int{},
	}
}

func (s Set) Len() int {
	return len(s.Boxes)
}

// Source is one step of the resolution chain.
type Source interface {
	Kind() SourceKind
	Lookup(imageName string, threshold float64) (Set, bool)
}

// AnnotationSource serves boxes the annotator already saved.
type AnnotationSource struct {
	Selections models.Selections
}

func (a AnnotationSource) Kind() SourceKind {
	return SourceAnnotation
}

func (a AnnotationSource) Lookup(imageName string, _ float64) (Set, bool) {
	rec, ok := a.Selections[imageName]
	if !ok || len(rec.BBoxes) == 0 {
		return Set{}, false
	}

	set := Empty()
	set.Source = SourceAnnotation
	set.LabelType = rec.LabelType
	for _, b := range rec.BBoxes {
		set.Boxes = append(set.Boxes, b.Coordinates)
		set.Scores = append(set.Scores, HumanScore)
		set.Labels = append(set.Labels, b.Label)
		set.CrowdFlags = append(set.CrowdFlags, b.CrowdFlag)
		set.ReflectedFlags = append(set.ReflectedFlags, b.ReflectedFlag)
		set.UncertainFlags = append(set.UncertainFlags, b.UncertainFlag)
		possible := append([]int{}, b.PossibleLabels...)
		set.PossibleLabels = append(set.PossibleLabels, possible)
	}
	return set, true
}

// MachineSource serves model-proposed boxes, guaranteeing one visible box.
// Records are keyed by base filename; a folder-qualified name also matches.
type MachineSource struct {
	Boxes models.MachineBoxes
}

func (m MachineSource) Kind() SourceKind {
	return SourceMachine
}

func (m MachineSource) Lookup(imageName string, threshold float64) (Set, bool) {
	stored, ok := m.Boxes[imageName]
	if !ok {
		stored, ok = m.Boxes[path.Base(imageName)]
	}
	if !ok {
		return Set{}, false
	}
	rec := stored.Clone()
	EnsureAtLeastOne(rec.Scores, threshold)

	set := Empty()
	set.Source = SourceMachine
	set.Boxes = rec.Boxes
	set.Scores = rec.Scores
	set.GT = rec.GT
	for i := range rec.Boxes {
		label := models.BoxLabel{}
		if i < len(rec.GT) {
			label = models.IntLabel(rec.GT[i])
		}
		set.Labels = append(set.Labels, label)
		set.CrowdFlags = append(set.CrowdFlags, false)
		set.ReflectedFlags = append(set.ReflectedFlags, false)
		set.UncertainFlags = append(set.UncertainFlags, false)
		set.PossibleLabels = append(set.PossibleLabels, []int{})
	}
	return set, true
}

// EnsureAtLeastOne raises the single highest score to threshold+1 when no
// score reaches the threshold. It mutates scores in place and returns the
// boosted index, or -1 when nothing changed.
func EnsureAtLeastOne(scores []float64, threshold float64) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i, s := range scores {
		if s >= threshold {
			return -1
		}
		if s > scores[best] {
			best = i
		}
	}
	scores[best] = threshold + 1
	return best
}

// Resolver walks its sources in order; the first hit wins.
type Resolver struct {
	sources []Source
}

func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// ForUser builds the standard annotation -> machine chain.
func ForUser(selections models.Selections, machine models.MachineBoxes) *Resolver {
	return NewResolver(AnnotationSource{Selections: selections}, MachineSource{Boxes: machine})
}

func (r *Resolver) Resolve(imageName string, threshold float64) Set {
	for _, src := range r.sources {
		if set, ok := src.Lookup(imageName, threshold); ok {
			return set
		}
	}
	return Empty()
}
