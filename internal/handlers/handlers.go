package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/lehigh-university-libraries/multilabelfy/internal/config"
	"github.com/lehigh-university-libraries/multilabelfy/internal/labels"
	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/drive"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/examples"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/images"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/navigation"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/timetracker"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/upload"
	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
	"github.com/lehigh-university-libraries/multilabelfy/internal/utils"
	"github.com/lehigh-university-libraries/multilabelfy/pkg/metrics"
)

// Backup is the Drive integration used by the drive routes.
type Backup interface {
	UploadUserData(ctx context.Context, username string) drive.Result
	DownloadUserData(ctx context.Context, username string) drive.Result
	ExportSummarySheet(ctx context.Context, username string, sel models.Selections, comments models.Comments) drive.Result
}

type Deps struct {
	Config    config.Config
	Repo      *storage.Repository
	Dict      *labels.Dictionary
	Hierarchy *labels.Hierarchy
	Trackers  *timetracker.Registry
	Stager    *images.Stager
	Uploads   *upload.Manager
	Backup    Backup
	Metrics   *metrics.Collectors
}

type Handler struct {
	cfg       config.Config
	repo      *storage.Repository
	store     *storage.Store
	dict      *labels.Dictionary
	hierarchy *labels.Hierarchy
	nav       *navigation.Controller
	trackers  *timetracker.Registry
	stager    *images.Stager
	uploads   *upload.Manager
	backup    Backup
	metrics   *metrics.Collectors

	locks    sync.Map
	catalogs sync.Map
}

func New(d Deps) *Handler {
	h := &Handler{
		cfg:       d.Config,
		repo:      d.Repo,
		store:     d.Repo.Store(),
		dict:      d.Dict,
		hierarchy: d.Hierarchy,
		nav:       navigation.New(d.Hierarchy),
		trackers:  d.Trackers,
		stager:    d.Stager,
		uploads:   d.Uploads,
		backup:    d.Backup,
		metrics:   d.Metrics,
	}
	if h.metrics == nil {
		h.metrics = metrics.NewCollectors()
	}
	if h.uploads == nil {
		h.uploads = upload.NewManager(d.Config.UploadCancelWait)
	}
	if h.uploads.OnFinish == nil {
		h.uploads.OnFinish = func(st upload.TaskStatus) {
			h.metrics.DriveTasks.WithLabelValues(st.Kind, string(st.State)).Inc()
		}
	}
	return h
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	route := func(pattern, name string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, h.metrics.Instrument(name, fn))
	}

	route("POST /api/login", "login", h.HandleLogin)
	route("GET /api/users", "users", h.HandleUsers)
	route("GET /api/users/{username}/grid", "grid", h.HandleGrid)
	route("POST /api/users/{username}/grid", "save_grid", h.HandleSaveGrid)
	route("GET /api/users/{username}/label", "label", h.HandleLabel)
	route("POST /api/users/{username}/label", "save_label", h.HandleSaveLabel)
	route("POST /api/users/{username}/bboxes", "save_bboxes", h.HandleSaveBBoxes)
	route("POST /api/users/{username}/bboxes/reload", "reload_bboxes", h.HandleReloadMachineBoxes)
	route("POST /api/users/{username}/jump", "jump", h.HandleJump)
	route("POST /api/users/{username}/review", "review", h.HandleReview)
	route("POST /api/users/{username}/back2grid", "back2grid", h.HandleBackToGrid)
	route("GET /api/users/{username}/examples", "examples", h.HandleExamples)
	route("POST /api/users/{username}/drive/upload", "drive_upload", h.HandleDriveUpload)
	route("GET /api/users/{username}/drive/upload", "drive_status", h.HandleDriveStatus)
	route("POST /api/users/{username}/drive/download", "drive_download", h.HandleDriveDownload)
	route("POST /api/users/{username}/tracking/finalize", "tracking_finalize", h.HandleFinalizeTracking)
	route("GET /api/users/{username}/metrics", "user_metrics", h.HandleUserMetrics)

	mux.Handle("GET /metrics", h.metrics.Handler())
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(h.cfg.StaticFolder))))
	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.HandleFunc("GET /healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("Unable to write healthcheck", "err", err)
		}
	})
}

func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(h.cfg.StaticFolder, "index.html"))
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		utils.RespondWithError(w, "Invalid form", http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.FormValue("username"))
	if username == "" {
		utils.RespondWithError(w, "username is required", http.StatusBadRequest)
		return
	}
	slog.Info("Username received", "username", username)
	http.Redirect(w, r, gridURL(username), http.StatusSeeOther)
}

type userSummary struct {
	Username          string `json:"username"`
	NumPredictions    int    `json:"num_predictions"`
	CurrentImageIndex int    `json:"current_image_index"`
	AnnotatedImages   int    `json:"annotated_images"`
}

func (h *Handler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	names := h.repo.Usernames()
	out := make([]userSummary, 0, len(names))
	for _, name := range names {
		u, _ := h.repo.User(name)
		sel := models.Selections{}
		if err := h.store.Load(name, storage.KindSelections, &sel); err != nil {
			slog.Warn("Unable to load selections", "username", name, "err", err)
		}
		out = append(out, userSummary{
			Username:          name,
			NumPredictions:    u.NumPredictions(),
			CurrentImageIndex: h.repo.Index(name),
			AnnotatedImages:   len(sel),
		})
	}
	utils.RespondWithJSON(w, http.StatusOK, out)
}

// user resolves the {username} path value, writing the error response when unknown.
func (h *Handler) user(w http.ResponseWriter, r *http.Request) (string, *storage.UserData, bool) {
	username := r.PathValue("username")
	u, exists := h.repo.User(username)
	if !exists {
		utils.RespondWithError(w, "No such user exists. Please check it again.", http.StatusNotFound)
		return "", nil, false
	}
	if u.NumPredictions() == 0 {
		utils.RespondWithError(w, "Error loading data.", http.StatusInternalServerError)
		return "", nil, false
	}
	return username, u, true
}

// lock serializes read-modify-write cycles on one annotator's documents.
func (h *Handler) lock(username string) func() {
	v, _ := h.locks.LoadOrStore(username, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (h *Handler) catalog(username string, u *storage.UserData) *examples.Catalog {
	if v, ok := h.catalogs.Load(username); ok {
		return v.(*examples.Catalog)
	}
	v, _ := h.catalogs.LoadOrStore(username, examples.NewCatalog(u.SampleImages, h.dict))
	return v.(*examples.Catalog)
}

// imageKey is the "<class folder>/<image name>" key used by the annotation documents.
func (h *Handler) imageKey(p models.Prediction) string {
	folder, ok := h.dict.FolderName(p.GroundTruth)
	if !ok {
		folder = strconv.Itoa(p.GroundTruth)
	}
	return path.Join(folder, p.ImageName)
}

// stripStatic turns a browser image URL back into an annotation key.
func stripStatic(p string) string {
	p = strings.TrimSpace(p)
	for _, prefix := range []string{"/static/images/", "static/images/"} {
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix)
		}
	}
	return p
}

func (h *Handler) stage(key string) (string, string) {
	url, err := h.stager.Stage(key)
	if err != nil {
		slog.Warn("Unable to stage image", "image", key, "err", err)
		return images.URL(key), ""
	}
	thumb, err := h.stager.Thumbnail(key)
	if err != nil {
		slog.Debug("Unable to create thumbnail", "image", key, "err", err)
		return url, ""
	}
	return url, thumb
}

func (h *Handler) loadAnnotations(username string) (models.Selections, models.Comments, error) {
	sel := models.Selections{}
	if err := h.store.Load(username, storage.KindSelections, &sel); err != nil {
		return nil, nil, err
	}
	comments := models.Comments{}
	if err := h.store.Load(username, storage.KindComments, &comments); err != nil {
		return nil, nil, err
	}
	return sel, comments, nil
}

// move applies a navigation step and persists the new index.
func (h *Handler) move(username string, u *storage.UserData, dir navigation.Direction, step int) (int, error) {
	next := h.nav.Move(h.repo.Index(username), dir, step, u.NumPredictions())
	h.metrics.Navigation.WithLabelValues(string(dir)).Inc()
	return h.repo.SetIndex(username, next)
}

func (h *Handler) className(class int) string {
	return h.dict.HumanReadable(class)
}

func (h *Handler) cluster(class int) string {
	name, _ := h.hierarchy.Cluster(class)
	return name
}

func newRand(r *http.Request) *rand.Rand {
	if s := r.URL.Query().Get("seed"); s != "" {
		if seed, err := strconv.ParseUint(s, 10, 64); err == nil {
			return examples.NewRand(seed)
		}
	}
	return examples.NewRand(rand.Uint64())
}

func gridURL(username string) string {
	return fmt.Sprintf("/api/users/%s/grid", username)
}

func labelURL(username string) string {
	return fmt.Sprintf("/api/users/%s/label", username)
}

func (h *Handler) saveFailed(w http.ResponseWriter, username, kind string, err error) {
	slog.Error("Error in save function", "username", username, "kind", kind, "err", err)
	h.metrics.Saves.WithLabelValues(kind, "error").Inc()
	utils.RespondWithError(w, "An error occurred", http.StatusInternalServerError)
}
