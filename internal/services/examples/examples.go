package examples

import (
	"math/rand/v2"
	"path"
	"sort"

	"github.com/lehigh-university-libraries/multilabelfy/internal/labels"
	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
)

// TopK is the number of predicted categories shown next to an image.
const TopK = 20

// TopCategories returns the indices of the k largest softmax values, largest first.
func TopCategories(softmax []float64, k int) []int {
	idx := make([]int, len(softmax))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return softmax[idx[a]] > softmax[idx[b]]
	})
	if k >= 0 && k < len(idx) {
		idx = idx[:k]
	}
	return idx
}

type Group struct {
	ClassID       int      `json:"class_id"`
	FolderName    string   `json:"folder_name"`
	HumanReadable string   `json:"human_readable"`
	Images        []string `json:"images"`
}

// Catalog indexes the example images by ground-truth class.
type Catalog struct {
	dict    *labels.Dictionary
	byClass map[int][]string
}

func NewCatalog(samples []models.SampleImage, dict *labels.Dictionary) *Catalog {
	c := &Catalog{dict: dict, byClass: make(map[int][]string)}
	for _, s := range samples {
		folder, ok := dict.FolderName(s.GroundTruth)
		if !ok {
			continue
		}
		c.byClass[s.GroundTruth] = append(c.byClass[s.GroundTruth], path.Join(folder, s.ImageName))
	}
	return c
}

// Sample returns up to n randomly chosen "folder/image" paths of the category.
func (c *Catalog) Sample(category, n int, rng *rand.Rand) []string {
	pool := c.byClass[category]
	out := make([]string, len(pool))
	copy(out, pool)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// ForCategories samples n examples for each category, keeping the category order.
func (c *Catalog) ForCategories(categories []int, n int, rng *rand.Rand) []Group {
	groups := make([]Group, 0, len(categories))
	for _, cat := range categories {
		folder, _ := c.dict.FolderName(cat)
		groups = append(groups, Group{
			ClassID:       cat,
			FolderName:    folder,
			HumanReadable: c.dict.HumanReadable(cat),
			Images:        c.Sample(cat, n, rng),
		})
	}
	return groups
}

// NewRand returns a generator seeded for reproducible sampling.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
