package images

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Stager copies dataset images into the static folder on demand and keeps
// a cache of thumbnails next to them.
type Stager struct {
	annotationsRoot string
	examplesRoot    string
	staticRoot      string
	thumbSize       int
	allowed         func(string) bool
}

func NewStager(annotationsRoot, examplesRoot, staticRoot string, thumbSize int, allowed func(string) bool) *Stager {
	if allowed == nil {
		allowed = func(string) bool { return true }
	}
	return &Stager{
		annotationsRoot: annotationsRoot,
		examplesRoot:    examplesRoot,
		staticRoot:      staticRoot,
		thumbSize:       thumbSize,
		allowed:         allowed,
	}
}

// URL is the public path a staged image is served from.
func URL(rel string) string {
	return "/static/images/" + filepath.ToSlash(rel)
}

// ThumbURL is the public path of a cached thumbnail.
func ThumbURL(rel string) string {
	return "/static/thumbs/" + thumbName(filepath.ToSlash(rel))
}

// Stage copies ANNOTATIONS_ROOT/rel to STATIC/images/rel unless it is already there.
func (s *Stager) Stage(rel string) (string, error) {
	return s.stageFrom(s.annotationsRoot, rel)
}

// StageExample does the same for an image of the examples dataset.
func (s *Stager) StageExample(rel string) (string, error) {
	return s.stageFrom(s.examplesRoot, rel)
}

func (s *Stager) stageFrom(root, rel string) (string, error) {
	clean, err := s.cleanRel(rel)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(s.staticRoot, "images", filepath.FromSlash(clean))
	if _, err := os.Stat(dest); err == nil {
		return URL(clean), nil
	}
	src := filepath.Join(root, filepath.FromSlash(clean))
	if err := copyFile(src, dest); err != nil {
		return "", err
	}
	slog.Debug("Staged image", "src", src, "dest", dest)
	return URL(clean), nil
}

// Thumbnail writes a fitted JPEG thumbnail of a staged image, reusing a cached one.
func (s *Stager) Thumbnail(rel string) (string, error) {
	clean, err := s.cleanRel(rel)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(s.staticRoot, "thumbs", filepath.FromSlash(thumbName(clean)))
	if _, err := os.Stat(dest); err == nil {
		return ThumbURL(clean), nil
	}

	src := filepath.Join(s.staticRoot, "images", filepath.FromSlash(clean))
	img, err := imaging.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	thumb := imaging.Fit(img, s.thumbSize, s.thumbSize, imaging.Lanczos)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create thumbnail directory: %w", err)
	}
	if err := imaging.Save(thumb, dest, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("failed to save thumbnail %s: %w", dest, err)
	}
	return ThumbURL(clean), nil
}

// Dimensions returns the pixel size of an image without decoding it fully.
func Dimensions(p string) (int, int, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return cfg.Width, cfg.Height, nil
}

// CopySamples seeds the static folder with up to perDir images from each
// directory under src. Files already present are left alone.
func CopySamples(src, dest string, perDir int, allowed func(string) bool) error {
	counts := map[string]int{}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if allowed != nil && !allowed(d.Name()) {
			return nil
		}
		dir := filepath.Dir(p)
		if counts[dir] >= perDir {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		if err := copyFile(p, target); err != nil {
			return err
		}
		counts[dir]++
		return nil
	})
}

func (s *Stager) cleanRel(rel string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))[1:]
	if clean == "" || clean != strings.TrimPrefix(filepath.ToSlash(rel), "/") {
		return "", fmt.Errorf("invalid image path %q", rel)
	}
	if !s.allowed(clean) {
		return "", fmt.Errorf("image type not allowed: %s", rel)
	}
	return clean, nil
}

func thumbName(rel string) string {
	return strings.TrimSuffix(rel, path.Ext(rel)) + ".jpg"
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("source image not found: %s: %w", src, err)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
