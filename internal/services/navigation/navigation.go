package navigation

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/multilabelfy/internal/labels"
	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
)

type Direction string

const (
	Next Direction = "next"
	Prev Direction = "prev"
	Stay Direction = "stay"
	Jump Direction = "jump"
)

const (
	DetailStep = 1
	GridStep   = 5
)

// ParseDirection maps a form value onto a Direction; unknown values mean stay.
func ParseDirection(s string) Direction {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Next:
		return Next
	case Prev:
		return Prev
	case Jump:
		return Jump
	default:
		return Stay
	}
}

// ClassOf returns the class block an index belongs to.
func ClassOf(index int) int {
	return index / models.BlockSize
}

// BlockBounds returns the first and last index of the block containing index.
func BlockBounds(index int) (int, int) {
	start := ClassOf(index) * models.BlockSize
	return start, start + models.BlockSize - 1
}

// Controller computes the next image index from the current one.
type Controller struct {
	hierarchy *labels.Hierarchy
	position  map[int]int
}

func New(h *labels.Hierarchy) *Controller {
	c := &Controller{hierarchy: h, position: map[int]int{}}
	for i, class := range h.Order() {
		c.position[class] = i
	}
	return c
}

// Move steps within the current class block, or hops to the neighbouring
// class in hierarchy order (wrapping around) when the step would cross the
// block boundary. The result always lies in [0, numPredictions-1].
func (c *Controller) Move(current int, dir Direction, step, numPredictions int) int {
	if numPredictions <= 0 {
		return 0
	}
	if step <= 0 {
		step = DetailStep
	}
	current = clamp(current, numPredictions)
	class := ClassOf(current)
	start, end := BlockBounds(current)
	if end > numPredictions-1 {
		end = numPredictions - 1
	}

	switch dir {
	case Next:
		if current+step <= end {
			return current + step
		}
		target := c.neighbour(class, 1, numPredictions)
		return clamp(target*models.BlockSize, numPredictions)
	case Prev:
		if current-step >= start {
			return current - step
		}
		target := c.neighbour(class, -1, numPredictions)
		return clamp(target*models.BlockSize+models.BlockSize-1, numPredictions)
	default:
		return current
	}
}

// neighbour returns the next class in hierarchy order that has a block in
// this annotator's predictions, skipping classes past the end.
func (c *Controller) neighbour(class, delta, numPredictions int) int {
	order := c.hierarchy.Order()
	numClasses := (numPredictions + models.BlockSize - 1) / models.BlockSize
	if pos, ok := c.position[class]; ok && len(order) > 0 {
		for i := 1; i < len(order); i++ {
			candidate := order[mod(pos+delta*i, len(order))]
			if candidate >= 0 && candidate < numClasses {
				return candidate
			}
		}
		slog.Debug("No other hierarchy class has predictions, navigating linearly", "class", class)
	} else if len(order) > 0 {
		slog.Debug("Class missing from hierarchy, navigating linearly", "class", class)
	}
	return mod(class+delta, numClasses)
}

// JumpRequest carries the raw form values of a jump; the first non-empty of
// ClusterName, ClassID and ImageIndex is used.
type JumpRequest struct {
	ImageIndex  string
	ClassID     string
	ClusterName string
}

func (j JumpRequest) Empty() bool {
	return strings.TrimSpace(j.ImageIndex) == "" &&
		strings.TrimSpace(j.ClassID) == "" &&
		strings.TrimSpace(j.ClusterName) == ""
}

// Target resolves the jump to an unclamped image index.
func (c *Controller) Target(j JumpRequest) (int, error) {
	if name := strings.TrimSpace(j.ClusterName); name != "" {
		first, ok := c.hierarchy.FirstClass(name)
		if !ok {
			return 0, fmt.Errorf("unknown cluster %q", name)
		}
		return first * models.BlockSize, nil
	}
	if raw := strings.TrimSpace(j.ClassID); raw != "" {
		class, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid class id %q: %w", raw, err)
		}
		return class * models.BlockSize, nil
	}
	if raw := strings.TrimSpace(j.ImageIndex); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid image index %q: %w", raw, err)
		}
		return idx, nil
	}
	return 0, fmt.Errorf("empty jump request")
}

// Jump sets the index directly. Malformed targets are logged and leave the index unchanged.
func (c *Controller) Jump(current int, j JumpRequest, numPredictions int) int {
	target, err := c.Target(j)
	if err != nil {
		slog.Warn("Ignoring jump", "err", err, "current", current)
		return clamp(current, numPredictions)
	}
	return clamp(target, numPredictions)
}

// GridStart aligns an index to the first image of its grid page.
func GridStart(index int) int {
	return index - index%GridStep
}

func clamp(idx, n int) int {
	if n <= 0 || idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

func mod(a, n int) int {
	if n <= 0 {
		return 0
	}
	return ((a % n) + n) % n
}
