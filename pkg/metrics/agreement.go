// Package metrics measures how far annotators moved away from the machine
// proposals and exposes service counters for Prometheus.
package metrics

import (
	"sort"
	"strconv"

	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
)

type Box struct {
	Coordinates [4]float64
	Label       string
}

type AgreementResult struct {
	ImageName      string  `json:"image_name"`
	MachineBoxes   int     `json:"machine_boxes"`
	HumanBoxes     int     `json:"human_boxes"`
	Matched        int     `json:"matched"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	MeanIoU        float64 `json:"mean_iou"`
	LabelAgreement float64 `json:"label_agreement"`
}

// IoU is the intersection over union of two [x0, y0, x1, y1] boxes.
func IoU(a, b [4]float64) float64 {
	ix := max(0, min(a[2], b[2])-max(a[0], b[0]))
	iy := max(0, min(a[3], b[3])-max(a[1], b[1]))
	inter := ix * iy
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func area(b [4]float64) float64 {
	return max(0, b[2]-b[0]) * max(0, b[3]-b[1])
}

// CompareBoxes greedily pairs machine and human boxes by descending IoU,
// accepting pairs at or above iouThreshold.
func CompareBoxes(machine, human []Box, iouThreshold float64) AgreementResult {
	type pair struct {
		m, h int
		iou  float64
	}
	var pairs []pair
	for i, m := range machine {
		for j, h := range human {
			if iou := IoU(m.Coordinates, h.Coordinates); iou >= iouThreshold && iou > 0 {
				pairs = append(pairs, pair{i, j, iou})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		return pairs[a].iou > pairs[b].iou
	})

	usedM := make([]bool, len(machine))
	usedH := make([]bool, len(human))
	matched, sameLabel := 0, 0
	sumIoU := 0.0
	for _, p := range pairs {
		if usedM[p.m] || usedH[p.h] {
			continue
		}
		usedM[p.m], usedH[p.h] = true, true
		matched++
		sumIoU += p.iou
		if machine[p.m].Label == human[p.h].Label {
			sameLabel++
		}
	}

	res := AgreementResult{
		MachineBoxes: len(machine),
		HumanBoxes:   len(human),
		Matched:      matched,
		Precision:    ratio(matched, len(machine)),
		Recall:       ratio(matched, len(human)),
	}
	if res.Precision+res.Recall > 0 {
		res.F1 = 2 * res.Precision * res.Recall / (res.Precision + res.Recall)
	}
	if matched > 0 {
		res.MeanIoU = sumIoU / float64(matched)
		res.LabelAgreement = float64(sameLabel) / float64(matched)
	} else if len(machine) == 0 && len(human) == 0 {
		res.LabelAgreement = 1.0
	}
	return res
}

// ratio is n/d, with an empty denominator counting as full agreement.
func ratio(n, d int) float64 {
	if d == 0 {
		return 1.0
	}
	return float64(n) / float64(d)
}

// MachineVisible returns the machine boxes scoring at least threshold.
func MachineVisible(rec models.MachineBBoxRecord, threshold float64) []Box {
	var out []Box
	for i, coords := range rec.Boxes {
		if i >= len(rec.Scores) || rec.Scores[i] < threshold {
			continue
		}
		label := ""
		if i < len(rec.GT) {
			label = strconv.Itoa(rec.GT[i])
		}
		out = append(out, Box{Coordinates: coords, Label: label})
	}
	return out
}

func HumanBoxes(rec models.AnnotationRecord) []Box {
	out := make([]Box, 0, len(rec.BBoxes))
	for _, b := range rec.BBoxes {
		out = append(out, Box{Coordinates: b.Coordinates, Label: b.Label.String()})
	}
	return out
}

type UserSummary struct {
	AnnotatedImages  int            `json:"annotated_images"`
	ImagesWithBoxes  int            `json:"images_with_boxes"`
	MultilabelImages int            `json:"multilabel_images"`
	LabelTypes       map[string]int `json:"label_types"`
	GroundTruthKept  float64        `json:"ground_truth_kept"`
	ComparedImages   int            `json:"compared_images"`
	MeanPrecision    float64        `json:"mean_precision"`
	MeanRecall       float64        `json:"mean_recall"`
	MeanIoU          float64        `json:"mean_iou"`
	LabelAgreement   float64        `json:"label_agreement"`
}

// Summarize aggregates an annotator's records. groundTruth maps record keys
// to the image's ground-truth class; machine is keyed by base filename.
func Summarize(sel models.Selections, machine models.MachineBoxes, groundTruth map[string]int, baseName func(string) string, threshold, iouThreshold float64) UserSummary {
	s := UserSummary{LabelTypes: map[string]int{}}
	kept, withGT := 0, 0
	var precision, recall, iou, agreement float64

	for key, rec := range sel {
		if rec.Empty() {
			continue
		}
		s.AnnotatedImages++
		labels := distinctLabels(rec)
		if len(labels) > 1 {
			s.MultilabelImages++
		}
		if len(rec.BBoxes) > 0 {
			s.ImagesWithBoxes++
			lt := string(rec.LabelType)
			if lt == "" {
				lt = string(models.LabelBasic)
			}
			s.LabelTypes[lt]++
		}
		if gt, ok := groundTruth[key]; ok {
			withGT++
			if labels[strconv.Itoa(gt)] {
				kept++
			}
		}

		m, ok := machine[key]
		if !ok && baseName != nil {
			m, ok = machine[baseName(key)]
		}
		if !ok || len(rec.BBoxes) == 0 {
			continue
		}
		res := CompareBoxes(MachineVisible(m, threshold), HumanBoxes(rec), iouThreshold)
		s.ComparedImages++
		precision += res.Precision
		recall += res.Recall
		iou += res.MeanIoU
		agreement += res.LabelAgreement
	}

	if withGT > 0 {
		s.GroundTruthKept = float64(kept) / float64(withGT)
	}
	if n := float64(s.ComparedImages); n > 0 {
		s.MeanPrecision = precision / n
		s.MeanRecall = recall / n
		s.MeanIoU = iou / n
		s.LabelAgreement = agreement / n
	}
	return s
}

func distinctLabels(rec models.AnnotationRecord) map[string]bool {
	set := map[string]bool{}
	for _, l := range rec.Labels {
		set[l] = true
	}
	for _, b := range rec.BBoxes {
		if b.Label.Value != "" && !b.UncertainFlag {
			set[b.Label.Value] = true
		}
	}
	return set
}
