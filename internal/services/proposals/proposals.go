// Package proposals fills gaps in the machine bounding-box document using an
// object localizer. Existing records are never replaced.
package proposals

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/lehigh-university-libraries/multilabelfy/internal/labels"
	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/images"
)

// ToRecord converts normalized polygons into pixel boxes. Every box is
// labelled with the image's ground-truth class.
func ToRecord(objects []Object, width, height, groundTruth int) models.MachineBBoxRecord {
	rec := models.MachineBBoxRecord{
		Boxes:  [][4]float64{},
		Scores: []float64{},
		GT:     []int{},
	}
	for _, o := range objects {
		if len(o.Vertices) == 0 {
			continue
		}
		x0, y0 := math.Inf(1), math.Inf(1)
		x1, y1 := math.Inf(-1), math.Inf(-1)
		for _, v := range o.Vertices {
			x0 = math.Min(x0, v[0])
			y0 = math.Min(y0, v[1])
			x1 = math.Max(x1, v[0])
			y1 = math.Max(y1, v[1])
		}
		rec.Boxes = append(rec.Boxes, [4]float64{
			math.Round(clamp01(x0) * float64(width)),
			math.Round(clamp01(y0) * float64(height)),
			math.Round(clamp01(x1) * float64(width)),
			math.Round(clamp01(y1) * float64(height)),
		})
		rec.Scores = append(rec.Scores, o.Score)
		rec.GT = append(rec.GT, groundTruth)
	}
	return rec
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

type Generator struct {
	localizer       Localizer
	dict            *labels.Dictionary
	annotationsRoot string
}

func NewGenerator(localizer Localizer, dict *labels.Dictionary, annotationsRoot string) *Generator {
	return &Generator{localizer: localizer, dict: dict, annotationsRoot: annotationsRoot}
}

type Stats struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Fill proposes boxes for predictions missing from boxes, adding at most
// limit records when limit is positive. Per-image failures are logged and counted.
func (g *Generator) Fill(ctx context.Context, predictions []models.Prediction, boxes models.MachineBoxes, limit int) (Stats, error) {
	var stats Stats
	for _, p := range predictions {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if limit > 0 && stats.Added >= limit {
			break
		}
		if _, ok := boxes[p.ImageName]; ok {
			stats.Skipped++
			continue
		}

		rec, err := g.propose(ctx, p)
		if err != nil {
			slog.Error("Unable to propose boxes", "image", p.ImageName, "err", err)
			stats.Failed++
			continue
		}
		boxes[p.ImageName] = rec
		stats.Added++
	}
	return stats, nil
}

func (g *Generator) propose(ctx context.Context, p models.Prediction) (models.MachineBBoxRecord, error) {
	folder, ok := g.dict.FolderName(p.GroundTruth)
	if !ok {
		return models.MachineBBoxRecord{}, fmt.Errorf("no folder for class %d", p.GroundTruth)
	}
	path := filepath.Join(g.annotationsRoot, folder, p.ImageName)

	width, height, err := images.Dimensions(path)
	if err != nil {
		return models.MachineBBoxRecord{}, err
	}
	objects, err := g.localizer.Localize(ctx, path)
	if err != nil {
		return models.MachineBBoxRecord{}, fmt.Errorf("localization failed: %w", err)
	}
	return ToRecord(objects, width, height, p.GroundTruth), nil
}
