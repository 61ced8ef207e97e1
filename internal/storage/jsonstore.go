package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Kind names one per-user document.
type Kind string

const (
	KindSelections   Kind = "checkbox_selections"
	KindComments     Kind = "comments"
	KindMachineBoxes Kind = "bboxes"
	KindPredictions  Kind = "predictions"
	KindSampleImages Kind = "sample_images_info"
	KindVisits       Kind = "persistent_visits"
)

// Store reads and writes whole JSON documents under <root>/<username>/.
// There is no locking: concurrent saves for one user are last-writer-wins.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) UserDir(username string) string {
	return filepath.Join(s.root, username)
}

// Filename returns the on-disk file name of a document kind.
func Filename(username string, kind Kind) string {
	switch kind {
	case KindSampleImages, KindVisits:
		return string(kind) + ".json"
	default:
		return fmt.Sprintf("%s_%s.json", kind, username)
	}
}

func (s *Store) Path(username string, kind Kind) string {
	return filepath.Join(s.UserDir(username), Filename(username, kind))
}

// Load decodes the document into v. A missing file is an empty document and leaves v untouched.
func (s *Store) Load(username string, kind Kind, v any) error {
	if err := validUsername(username); err != nil {
		return err
	}
	return ReadJSON(s.Path(username, kind), v)
}

// Save overwrites the whole document.
func (s *Store) Save(username string, kind Kind, v any) error {
	if err := validUsername(username); err != nil {
		return err
	}
	return WriteJSON(s.Path(username, kind), v)
}

// Exists reports whether the document file is present.
func (s *Store) Exists(username string, kind Kind) bool {
	_, err := os.Stat(s.Path(username, kind))
	return err == nil
}

func (s *Store) indexPath(username string) string {
	return filepath.Join(s.UserDir(username), fmt.Sprintf("current_image_index_%s.txt", username))
}

// LoadIndex reads the persisted current image index; a missing file means 0.
func (s *Store) LoadIndex(username string) (int, error) {
	if err := validUsername(username); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(s.indexPath(username))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read index for %s: %w", username, err)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed index file for %s: %w", username, err)
	}
	return idx, nil
}

func (s *Store) SaveIndex(username string, idx int) error {
	if err := validUsername(username); err != nil {
		return err
	}
	if err := os.MkdirAll(s.UserDir(username), 0755); err != nil {
		return fmt.Errorf("failed to create user directory: %w", err)
	}
	if err := os.WriteFile(s.indexPath(username), []byte(strconv.Itoa(idx)), 0644); err != nil {
		return fmt.Errorf("failed to write index for %s: %w", username, err)
	}
	return nil
}

// Users lists the annotator directories under the root, sorted.
func (s *Store) Users() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotators root: %w", err)
	}
	var users []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			users = append(users, e.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}

// ReadJSON decodes path into v, treating a missing file as an empty document.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// WriteJSON overwrites path with the JSON encoding of v, creating parent directories.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return WriteRaw(path, data)
}

// WriteRaw overwrites path with data, creating parent directories.
func WriteRaw(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func validUsername(username string) error {
	if username == "" || username == "." || username == ".." ||
		strings.ContainsAny(username, `/\`) {
		return fmt.Errorf("invalid username %q", username)
	}
	return nil
}
