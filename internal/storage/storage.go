package storage

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
)

// UserData is the read-only reference data loaded once per annotator.
type UserData struct {
	Predictions  []models.Prediction
	SampleImages []models.SampleImage
	MachineBoxes models.MachineBoxes
}

func (u *UserData) NumPredictions() int {
	return len(u.Predictions)
}

// Repository holds per-user state: cached reference data and the current image index.
type Repository struct {
	store   *Store
	users   map[string]*UserData
	indices map[string]int
	mu      sync.RWMutex
}

func New(store *Store) *Repository {
	return &Repository{
		store:   store,
		users:   make(map[string]*UserData),
		indices: make(map[string]int),
	}
}

func (r *Repository) Store() *Store {
	return r.store
}

// LoadAll loads every annotator directory under the store root.
func (r *Repository) LoadAll() error {
	users, err := r.store.Users()
	if err != nil {
		return err
	}
	for _, username := range users {
		if err := r.LoadUser(username); err != nil {
			return err
		}
	}
	return nil
}

// LoadUser reads the reference documents and the persisted index for one annotator.
func (r *Repository) LoadUser(username string) error {
	data := &UserData{MachineBoxes: models.MachineBoxes{}}
	if err := r.store.Load(username, KindPredictions, &data.Predictions); err != nil {
		return fmt.Errorf("failed to load predictions for %s: %w", username, err)
	}
	if err := r.store.Load(username, KindSampleImages, &data.SampleImages); err != nil {
		return fmt.Errorf("failed to load sample images for %s: %w", username, err)
	}
	if err := r.store.Load(username, KindMachineBoxes, &data.MachineBoxes); err != nil {
		// machine boxes are optional reference data
		slog.Warn("Unable to load machine boxes", "username", username, "err", err)
		data.MachineBoxes = models.MachineBoxes{}
	}

	idx, err := r.store.LoadIndex(username)
	if err != nil {
		slog.Warn("Resetting current image index", "username", username, "err", err)
		idx = 0
	}
	idx = clamp(idx, data.NumPredictions())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[username] = data
	r.indices[username] = idx

	slog.Info("Loaded annotator", "username", username, "predictions", data.NumPredictions(), "index", idx)
	return nil
}

func (r *Repository) User(username string) (*UserData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, exists := r.users[username]
	return u, exists
}

func (r *Repository) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.users))
	for name := range r.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Repository) Index(username string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indices[username]
}

// SetIndex clamps idx into the user's prediction range, stores it and mirrors it to disk.
func (r *Repository) SetIndex(username string, idx int) (int, error) {
	r.mu.Lock()
	u, exists := r.users[username]
	if !exists {
		r.mu.Unlock()
		return 0, fmt.Errorf("unknown user %q", username)
	}
	idx = clamp(idx, u.NumPredictions())
	r.indices[username] = idx
	r.mu.Unlock()

	return idx, r.store.SaveIndex(username, idx)
}

// SetMachineBoxes replaces the cached machine boxes of a user; the reload route calls it after proposals were generated.
func (r *Repository) SetMachineBoxes(username string, boxes models.MachineBoxes) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, exists := r.users[username]; exists {
		replaced := *u
		replaced.MachineBoxes = boxes
		r.users[username] = &replaced
	}
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
