package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// BlockSize is the number of consecutive image indices that share one ground-truth class.
const BlockSize = 50

type Prediction struct {
	ImageName   string    `json:"image_name"`
	GroundTruth int       `json:"ground_truth"`
	SoftmaxVal  []float64 `json:"softmax_val"`
}

type SampleImage struct {
	ImageName   string `json:"image_name"`
	GroundTruth int    `json:"ground_truth"`
}

type LabelType string

const (
	LabelBasic     LabelType = "basic"
	LabelUncertain LabelType = "uncertain"
	LabelOOD       LabelType = "ood"
)

// Valid reports whether t is one of the known label types. The empty value is treated as basic.
func (t LabelType) Valid() bool {
	switch t {
	case "", LabelBasic, LabelUncertain, LabelOOD:
		return true
	}
	return false
}

// BoxLabel is a box class label as written by the browser editor, which
// sends integers for regular boxes and occasionally numeric strings.
// The original JSON kind is kept so documents round-trip unchanged.
type BoxLabel struct {
	Value   string
	Numeric bool
}

func IntLabel(v int) BoxLabel {
	return BoxLabel{Value: strconv.Itoa(v), Numeric: true}
}

// Int returns the label as an integer class index.
func (l BoxLabel) Int() (int, error) {
	return strconv.Atoi(l.Value)
}

func (l BoxLabel) String() string {
	return l.Value
}

func (l BoxLabel) MarshalJSON() ([]byte, error) {
	if l.Numeric {
		return []byte(l.Value), nil
	}
	return json.Marshal(l.Value)
}

func (l *BoxLabel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = BoxLabel{Value: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("box label must be a number or string: %w", err)
	}
	*l = BoxLabel{Value: n.String(), Numeric: true}
	return nil
}

type BBoxEntry struct {
	Coordinates    [4]float64 `json:"coordinates"`
	Label          BoxLabel   `json:"label"`
	CrowdFlag      bool       `json:"crowd_flag"`
	ReflectedFlag  bool       `json:"reflected_flag,omitempty"`
	UncertainFlag  bool       `json:"uncertain_flag,omitempty"`
	PossibleLabels []int      `json:"possible_labels,omitempty"`
}

// AnnotationRecord is the annotator-owned state of one image, keyed by
// "<class folder>/<image name>" inside the selections document.
type AnnotationRecord struct {
	Labels    []string    `json:"labels,omitempty"`
	BBoxes    []BBoxEntry `json:"bboxes,omitempty"`
	LabelType LabelType   `json:"label_type,omitempty"`
}

// HasLabel reports whether the checkbox label is already selected.
func (r AnnotationRecord) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// UnmarshalJSON also accepts the older document shape where an image maps
// straight to its list of checked labels.
func (r *AnnotationRecord) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var labels []string
		if err := json.Unmarshal(data, &labels); err != nil {
			return fmt.Errorf("legacy annotation record: %w", err)
		}
		*r = AnnotationRecord{Labels: labels}
		return nil
	}
	type plain AnnotationRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = AnnotationRecord(p)
	return nil
}

// Empty reports whether the record carries nothing worth persisting.
func (r AnnotationRecord) Empty() bool {
	return len(r.Labels) == 0 && len(r.BBoxes) == 0
}

// Selections is the checkbox_selections document.
type Selections map[string]AnnotationRecord

// Comments is the comments document, keyed like Selections.
type Comments map[string]string

type MachineBBoxRecord struct {
	Boxes  [][4]float64 `json:"boxes"`
	Scores []float64    `json:"scores"`
	GT     []int        `json:"gt"`
}

// Clone returns a deep copy so callers may mutate scores freely.
func (r MachineBBoxRecord) Clone() MachineBBoxRecord {
	out := MachineBBoxRecord{
		Boxes:  make([][4]float64, len(r.Boxes)),
		Scores: make([]float64, len(r.Scores)),
		GT:     make([]int, len(r.GT)),
	}
	copy(out.Boxes, r.Boxes)
	copy(out.Scores, r.Scores)
	copy(out.GT, r.GT)
	return out
}

// MachineBoxes is the bboxes document, keyed by base filename.
type MachineBoxes map[string]MachineBBoxRecord

type Visits struct {
	ClassVisits map[string]int `json:"class_visits"`
	ImageVisits map[string]int `json:"image_visits"`
}

func NewVisits() Visits {
	return Visits{
		ClassVisits: map[string]int{},
		ImageVisits: map[string]int{},
	}
}
