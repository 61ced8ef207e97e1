package proposals

import (
	"context"
	"os"

	vision "cloud.google.com/go/vision/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// Object is one localized object with its polygon in normalized [0,1] coordinates.
type Object struct {
	Name     string
	Score    float64
	Vertices [][2]float64
}

// Localizer finds objects in an image file.
type Localizer interface {
	Localize(ctx context.Context, imagePath string) ([]Object, error)
}

// VisionLocalizer calls Cloud Vision object localization.
type VisionLocalizer struct {
	client *vision.ImageAnnotatorClient
}

func NewVisionLocalizer(ctx context.Context) (*VisionLocalizer, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, err
	}
	return &VisionLocalizer{client: client}, nil
}

func (v *VisionLocalizer) Close() error {
	return v.client.Close()
}

func (v *VisionLocalizer) Localize(ctx context.Context, imagePath string) ([]Object, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	image, err := vision.NewImageFromReader(f)
	if err != nil {
		return nil, err
	}

	annotations, err := v.client.LocalizeObjects(ctx, image, nil)
	if err != nil {
		return nil, err
	}
	return convertAnnotations(annotations), nil
}

func convertAnnotations(annotations []*visionpb.LocalizedObjectAnnotation) []Object {
	objects := make([]Object, 0, len(annotations))
	for _, a := range annotations {
		if a == nil {
			continue
		}
		objects = append(objects, Object{
			Name:     a.GetName(),
			Score:    float64(a.GetScore()),
			Vertices: convertNormalizedPoly(a.GetBoundingPoly()),
		})
	}
	return objects
}

func convertNormalizedPoly(poly *visionpb.BoundingPoly) [][2]float64 {
	if poly == nil {
		return nil
	}

	var vertices [][2]float64
	for _, vertex := range poly.GetNormalizedVertices() {
		vertices = append(vertices, [2]float64{float64(vertex.GetX()), float64(vertex.GetY())})
	}
	return vertices
}
