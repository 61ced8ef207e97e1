package timetracker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
)

// Activity kinds recorded in a class session.
const (
	ActivityGridAnnotation   = "grid_annotation"
	ActivityGridDeannotation = "grid_deannotation"
	ActivityDetailViewOpen   = "detail_view_open"
	ActivityDetailViewClose  = "detail_view_close"
)

const sessionIDLayout = "20060102_150405"

// Clock returns the current time.
type Clock func() time.Time

type Activity struct {
	Timestamp    time.Time      `json:"timestamp"`
	ActivityType string         `json:"activity_type"`
	Details      map[string]any `json:"details"`
}

type ImageSession struct {
	ImageName             string    `json:"image_name"`
	ImageIndex            int       `json:"image_index"`
	PersistentVisitNumber int       `json:"persistent_visit_number"`
	StartTime             time.Time `json:"start_time"`
	EndTime               time.Time `json:"end_time"`
	DurationSeconds       int       `json:"duration_seconds"`
}

type ClassSession struct {
	ClassID               string         `json:"class_id"`
	ClassName             string         `json:"class_name"`
	VisitNumber           int            `json:"visit_number"`
	PersistentVisitNumber int            `json:"persistent_visit_number"`
	StartTime             time.Time      `json:"start_time"`
	EndTime               *time.Time     `json:"end_time"`
	DurationSeconds       int            `json:"duration_seconds"`
	GridAnnotations       int            `json:"grid_annotations"`
	GridDeannotations     int            `json:"grid_deannotations"`
	DetailViews           int            `json:"detail_views"`
	Activities            []Activity     `json:"activities"`
	ImageSessions         []ImageSession `json:"image_sessions"`
}

// Session is the document written to time_tracking_<session_id>.json.
type Session struct {
	SessionID     string         `json:"session_id"`
	Username      string         `json:"username"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	ClassSessions []ClassSession `json:"class_sessions"`
}

type openImage struct {
	name  string
	index int
	visit int
	start time.Time
}

// Tracker records how long one annotator spends on classes and images.
// Persistence is best-effort: failures are logged and never returned.
type Tracker struct {
	mu         sync.Mutex
	store      *storage.Store
	username   string
	now        Clock
	session    Session
	current    *ClassSession
	image      *openImage
	firstClass bool
	finalized  bool
	visits     models.Visits
}

func New(store *storage.Store, username string, now Clock) *Tracker {
	if now == nil {
		now = time.Now
	}
	start := now()
	t := &Tracker{
		store:      store,
		username:   username,
		now:        now,
		firstClass: true,
		visits:     models.NewVisits(),
		session: Session{
			SessionID:     sessionID(store, username, start),
			Username:      username,
			StartTime:     start,
			ClassSessions: []ClassSession{},
		},
	}
	if err := store.Load(username, storage.KindVisits, &t.visits); err != nil {
		slog.Error("Error loading persistent visits", "username", username, "err", err)
	}
	if t.visits.ClassVisits == nil {
		t.visits.ClassVisits = map[string]int{}
	}
	if t.visits.ImageVisits == nil {
		t.visits.ImageVisits = map[string]int{}
	}
	return t
}

// sessionID formats start, adding a counter suffix when a session file for
// the same second already exists.
func sessionID(store *storage.Store, username string, start time.Time) string {
	base := start.Format(sessionIDLayout)
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(sessionPath(store, username, id)); err != nil {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

func sessionPath(store *storage.Store, username, id string) string {
	return filepath.Join(store.UserDir(username), fmt.Sprintf("time_tracking_%s.json", id))
}

func (t *Tracker) SessionID() string {
	return t.session.SessionID
}

// SessionFile is the path of this session's tracking document.
func (t *Tracker) SessionFile() string {
	return sessionPath(t.store, t.username, t.session.SessionID)
}

// StartClassSessionIfChanged opens a new class session unless classID is already current.
func (t *Tracker) StartClassSessionIfChanged(classID int, className string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := strconv.Itoa(classID)
	if t.current != nil && t.current.ClassID == id {
		return
	}
	t.startClassSession(id, className)
}

func (t *Tracker) startClassSession(id, className string) {
	if t.current != nil {
		t.endClassSession()
	}

	previous := t.visits.ClassVisits[id]
	persistent := previous
	switch {
	case !t.firstClass:
		persistent = previous + 1
	case previous == 0:
		persistent = 1
	}
	t.firstClass = false
	if persistent != previous {
		t.visits.ClassVisits[id] = persistent
		t.saveVisits()
	}

	visit := 1
	for _, s := range t.session.ClassSessions {
		if s.ClassID == id {
			visit++
		}
	}

	t.current = &ClassSession{
		ClassID:               id,
		ClassName:             className,
		VisitNumber:           visit,
		PersistentVisitNumber: persistent,
		StartTime:             t.now(),
		Activities:            []Activity{},
		ImageSessions:         []ImageSession{},
	}
}

func (t *Tracker) endClassSession() {
	if t.current == nil {
		return
	}
	t.endImageSession()

	end := t.now()
	t.current.EndTime = &end
	t.current.DurationSeconds = int(end.Sub(t.current.StartTime).Seconds())
	t.session.ClassSessions = append(t.session.ClassSessions, *t.current)
	t.current = nil
	t.saveSession()
}

// LogActivity appends an activity to the open class session and bumps its counters.
// Without an open class session it is a no-op.
func (t *Tracker) LogActivity(kind string, details map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logActivity(kind, details)
}

func (t *Tracker) logActivity(kind string, details map[string]any) {
	if t.current == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	t.current.Activities = append(t.current.Activities, Activity{
		Timestamp:    t.now(),
		ActivityType: kind,
		Details:      details,
	})
	switch kind {
	case ActivityGridAnnotation:
		t.current.GridAnnotations++
	case ActivityGridDeannotation:
		t.current.GridDeannotations++
	case ActivityDetailViewOpen:
		t.current.DetailViews++
	}
}

// StartImageSession begins timing a detail view. Re-opening the image being
// timed is ignored.
func (t *Tracker) StartImageSession(imageName string, imageIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.image != nil && t.image.name == imageName {
		return
	}
	t.endImageSession()

	t.visits.ImageVisits[imageName]++
	visit := t.visits.ImageVisits[imageName]
	t.saveVisits()

	t.image = &openImage{name: imageName, index: imageIndex, visit: visit, start: t.now()}
	t.logActivity(ActivityDetailViewOpen, map[string]any{
		"image_name":              imageName,
		"image_index":             imageIndex,
		"persistent_visit_number": visit,
	})
}

func (t *Tracker) EndImageSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endImageSession()
}

func (t *Tracker) endImageSession() {
	img := t.image
	if img == nil {
		return
	}
	t.image = nil
	if t.current == nil {
		return
	}

	end := t.now()
	duration := int(end.Sub(img.start).Seconds())
	t.current.ImageSessions = append(t.current.ImageSessions, ImageSession{
		ImageName:             img.name,
		ImageIndex:            img.index,
		PersistentVisitNumber: img.visit,
		StartTime:             img.start,
		EndTime:               end,
		DurationSeconds:       duration,
	})
	t.logActivity(ActivityDetailViewClose, map[string]any{
		"image_name":       img.name,
		"duration_seconds": duration,
	})
}

// Finalize closes any open sessions and writes the session document. Calling
// it again has no effect.
func (t *Tracker) Finalize() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return t.SessionFile()
	}
	t.endImageSession()
	t.endClassSession()
	end := t.now()
	t.session.EndTime = &end
	t.finalized = true
	t.saveSession()
	return t.SessionFile()
}

// Snapshot returns a copy of the session including the open class session.
func (t *Tracker) Snapshot() Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.session
	s.ClassSessions = append([]ClassSession{}, t.session.ClassSessions...)
	if t.current != nil {
		s.ClassSessions = append(s.ClassSessions, *t.current)
	}
	return s
}

// Visits returns a copy of the persistent visit counters.
func (t *Tracker) Visits() models.Visits {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := models.NewVisits()
	for k, n := range t.visits.ClassVisits {
		v.ClassVisits[k] = n
	}
	for k, n := range t.visits.ImageVisits {
		v.ImageVisits[k] = n
	}
	return v
}

func (t *Tracker) saveVisits() {
	if err := t.store.Save(t.username, storage.KindVisits, t.visits); err != nil {
		slog.Error("Error saving persistent visits", "username", t.username, "err", err)
	}
}

func (t *Tracker) saveSession() {
	if err := storage.WriteJSON(t.SessionFile(), t.session); err != nil {
		slog.Error("Error saving time tracking data", "username", t.username, "session", t.session.SessionID, "err", err)
	}
}
