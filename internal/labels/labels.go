// Package labels loads the static class dictionaries and the class hierarchy
// used to order class blocks during navigation.
package labels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
)

// Dictionary maps class indices to dataset folder names and human-readable names.
type Dictionary struct {
	folders       map[int]string
	humanReadable map[int]string
	byFolder      map[string]int
}

func NewDictionary(folders, humanReadable map[int]string) *Dictionary {
	d := &Dictionary{
		folders:       folders,
		humanReadable: humanReadable,
		byFolder:      make(map[string]int, len(folders)),
	}
	if d.humanReadable == nil {
		d.humanReadable = folders
	}
	for idx, name := range folders {
		d.byFolder[name] = idx
	}
	return d
}

// LoadDictionary reads the folder-name map and, unless the folder names are
// already human readable, the human-readable map.
func LoadDictionary(namesFile, humanReadableFile string, namesAreHumanReadable bool) (*Dictionary, error) {
	folders, err := loadIndexMap(namesFile)
	if err != nil {
		return nil, err
	}
	if namesAreHumanReadable {
		return NewDictionary(folders, folders), nil
	}
	hr, err := loadIndexMap(humanReadableFile)
	if err != nil {
		return nil, err
	}
	return NewDictionary(folders, hr), nil
}

func (d *Dictionary) FolderName(idx int) (string, bool) {
	name, ok := d.folders[idx]
	return name, ok
}

// HumanReadable falls back to the folder name, then to the numeric index.
func (d *Dictionary) HumanReadable(idx int) string {
	if name, ok := d.humanReadable[idx]; ok {
		return name
	}
	if name, ok := d.folders[idx]; ok {
		return name
	}
	return strconv.Itoa(idx)
}

func (d *Dictionary) ClassFromFolder(folder string) (int, bool) {
	idx, ok := d.byFolder[folder]
	return idx, ok
}

// HumanReadableMap returns the index -> name map keyed by string, as the browser expects.
func (d *Dictionary) HumanReadableMap() map[string]string {
	out := make(map[string]string, len(d.humanReadable))
	for idx, name := range d.humanReadable {
		out[strconv.Itoa(idx)] = name
	}
	return out
}

func (d *Dictionary) Len() int {
	return len(d.folders)
}

// ValidateFolders checks that every class folder found in a dataset root is a known label folder.
func (d *Dictionary) ValidateFolders(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read dataset root %s: %w", root, err)
	}
	var unknown []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := d.byFolder[e.Name()]; !ok {
			unknown = append(unknown, e.Name())
		}
	}
	if len(unknown) > 0 {
		slog.Error("Dataset folders missing from label dictionary", "root", root, "folders", unknown)
		return fmt.Errorf("%d folders in %s are not known label names", len(unknown), root)
	}
	return nil
}

// Hierarchy groups classes into named clusters.
type Hierarchy struct {
	parentToChildren map[string][]int
	indexToParent    map[int]string
	order            []int
}

func NewHierarchy(parentToChildren map[string][]int, indexToParent map[int]string) *Hierarchy {
	h := &Hierarchy{
		parentToChildren: parentToChildren,
		indexToParent:    indexToParent,
	}
	if h.parentToChildren == nil {
		h.parentToChildren = map[string][]int{}
	}
	if h.indexToParent == nil {
		h.indexToParent = map[int]string{}
		for cluster, children := range h.parentToChildren {
			for _, c := range children {
				h.indexToParent[c] = cluster
			}
		}
	}

	seen := map[int]bool{}
	for _, cluster := range h.Clusters() {
		for _, c := range h.parentToChildren[cluster] {
			if seen[c] {
				continue
			}
			seen[c] = true
			h.order = append(h.order, c)
		}
	}
	return h
}

// LoadHierarchy reads both hierarchy files. Missing files yield an empty hierarchy.
func LoadHierarchy(parentToChildrenFile, indexToParentFile string) (*Hierarchy, error) {
	raw := map[string][]classID{}
	if parentToChildrenFile != "" {
		if err := storage.ReadJSON(parentToChildrenFile, &raw); err != nil {
			return nil, err
		}
	}
	parents := make(map[string][]int, len(raw))
	for cluster, ids := range raw {
		for _, id := range ids {
			parents[cluster] = append(parents[cluster], int(id))
		}
	}

	var indexToParent map[int]string
	if indexToParentFile != "" {
		rawIdx := map[string]string{}
		if err := storage.ReadJSON(indexToParentFile, &rawIdx); err != nil {
			return nil, err
		}
		if len(rawIdx) > 0 {
			indexToParent = make(map[int]string, len(rawIdx))
			for k, v := range rawIdx {
				idx, err := strconv.Atoi(strings.TrimSpace(k))
				if err != nil {
					return nil, fmt.Errorf("invalid class index %q in %s: %w", k, indexToParentFile, err)
				}
				indexToParent[idx] = v
			}
		}
	}

	h := NewHierarchy(parents, indexToParent)
	slog.Info("Loaded class hierarchy", "clusters", len(parents), "classes", len(h.order))
	return h, nil
}

// Order flattens the hierarchy: clusters sorted by name, children in stored order.
func (h *Hierarchy) Order() []int {
	if h == nil {
		return nil
	}
	return h.order
}

func (h *Hierarchy) Empty() bool {
	return h == nil || len(h.order) == 0
}

func (h *Hierarchy) Clusters() []string {
	if h == nil {
		return nil
	}
	names := make([]string, 0, len(h.parentToChildren))
	for name := range h.parentToChildren {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hierarchy) Cluster(classID int) (string, bool) {
	if h == nil {
		return "", false
	}
	name, ok := h.indexToParent[classID]
	return name, ok
}

func (h *Hierarchy) Children(cluster string) []int {
	if h == nil {
		return nil
	}
	return h.parentToChildren[cluster]
}

// FirstClass returns the first class of a cluster in stored order.
func (h *Hierarchy) FirstClass(cluster string) (int, bool) {
	children := h.Children(cluster)
	if len(children) == 0 {
		return 0, false
	}
	return children[0], true
}

// classID accepts class indices written either as JSON numbers or numeric strings.
type classID int

func (c *classID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid class id %q: %w", s, err)
		}
		*c = classID(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid class id %s: %w", data, err)
	}
	*c = classID(n)
	return nil
}

func loadIndexMap(path string) (map[int]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("label file %s: %w", path, err)
	}
	raw := map[string]string{}
	if err := storage.ReadJSON(path, &raw); err != nil {
		return nil, err
	}
	out := make(map[int]string, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("invalid label index %q in %s: %w", k, path, err)
		}
		out[idx] = v
	}
	return out, nil
}
