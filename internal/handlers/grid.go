package handlers

import (
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/bbox"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/navigation"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/timetracker"
	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
	"github.com/lehigh-university-libraries/multilabelfy/internal/utils"
)

type GridImage struct {
	Index           int         `json:"index"`
	ImageName       string      `json:"image_name"`
	ImageURL        string      `json:"image_url"`
	ThumbURL        string      `json:"thumb_url,omitempty"`
	GroundTruth     int         `json:"ground_truth"`
	GroundTruthName string      `json:"ground_truth_name"`
	CheckedLabels   []string    `json:"checked_labels"`
	BBoxes          bbox.Set    `json:"bboxes"`
	Border          bbox.Border `json:"border"`
}

type GridView struct {
	Username             string            `json:"username"`
	CurrentImageIndex    int               `json:"current_image_index"`
	NumPredictions       int               `json:"num_predictions"`
	ClassID              int               `json:"class_id"`
	ClassName            string            `json:"class_name"`
	Cluster              string            `json:"cluster,omitempty"`
	Threshold            float64           `json:"threshold"`
	Images               []GridImage       `json:"images"`
	HumanReadableClasses map[string]string `json:"human_readable_classes_map"`
}

func (h *Handler) HandleGrid(w http.ResponseWriter, r *http.Request) {
	username, u, ok := h.user(w, r)
	if !ok {
		return
	}

	sel := models.Selections{}
	if err := h.store.Load(username, storage.KindSelections, &sel); err != nil {
		slog.Error("Unable to load selections", "username", username, "err", err)
		utils.RespondWithError(w, "Error loading data.", http.StatusInternalServerError)
		return
	}

	start := navigation.GridStart(h.repo.Index(username))
	end := min(start+navigation.GridStep, u.NumPredictions())
	resolver := bbox.ForUser(sel, u.MachineBoxes)

	view := GridView{
		Username:             username,
		CurrentImageIndex:    start,
		NumPredictions:       u.NumPredictions(),
		Threshold:            h.cfg.Threshold,
		Images:               make([]GridImage, 0, end-start),
		HumanReadableClasses: h.dict.HumanReadableMap(),
	}
	for i := start; i < end; i++ {
		p := u.Predictions[i]
		key := h.imageKey(p)
		url, thumb := h.stage(key)
		set := resolver.Resolve(key, h.cfg.Threshold)
		checked := sel[key].Labels
		if checked == nil {
			checked = []string{}
		}
		view.Images = append(view.Images, GridImage{
			Index:           i,
			ImageName:       key,
			ImageURL:        url,
			ThumbURL:        thumb,
			GroundTruth:     p.GroundTruth,
			GroundTruthName: h.className(p.GroundTruth),
			CheckedLabels:   checked,
			BBoxes:          set,
			Border:          bbox.Classify(set, h.cfg.Threshold),
		})
	}

	class := u.Predictions[start].GroundTruth
	view.ClassID = class
	view.ClassName = h.className(class)
	view.Cluster = h.cluster(class)
	h.trackers.Get(username).StartClassSessionIfChanged(class, view.ClassName)

	utils.RespondWithJSON(w, http.StatusOK, view)
}

// HandleSaveGrid merges the grid checkboxes into the selections document.
// A checked image gains its label; an unchecked image loses the label of its
// own class folder, and records left empty are removed.
func (h *Handler) HandleSaveGrid(w http.ResponseWriter, r *http.Request) {
	username, u, ok := h.user(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		utils.RespondWithError(w, "Invalid form", http.StatusBadRequest)
		return
	}

	var shown []string
	for _, name := range strings.Split(r.FormValue("image_name"), "|") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		key, known := h.resolveKey(u, name)
		if !known {
			slog.Warn("Ignoring unknown grid image", "username", username, "image", name)
			continue
		}
		shown = append(shown, key)
	}
	checked := map[string]string{}
	for _, cb := range r.Form["checkboxes"] {
		image, label, found := strings.Cut(cb, "|")
		if !found {
			utils.RespondWithError(w, "Malformed checkbox value: "+cb, http.StatusBadRequest)
			return
		}
		if key, known := h.resolveKey(u, image); known {
			checked[key] = label
		}
	}

	unlock := h.lock(username)
	defer unlock()

	sel := models.Selections{}
	if err := h.store.Load(username, storage.KindSelections, &sel); err != nil {
		h.saveFailed(w, username, "grid", err)
		return
	}

	tracker := h.trackers.Get(username)
	for _, key := range shown {
		rec, exists := sel[key]
		if label, isChecked := checked[key]; isChecked {
			if !rec.HasLabel(label) {
				rec.Labels = append(rec.Labels, label)
				sel[key] = rec
				tracker.LogActivity(timetracker.ActivityGridAnnotation, map[string]any{"image_name": key, "label": label})
			}
			continue
		}
		if !exists {
			continue
		}
		if removed, ok := h.removeFolderLabel(&rec, key); ok {
			tracker.LogActivity(timetracker.ActivityGridDeannotation, map[string]any{"image_name": key, "label": removed})
		}
		if rec.Empty() {
			delete(sel, key)
		} else {
			sel[key] = rec
		}
	}

	dir := navigation.ParseDirection(r.FormValue("direction"))
	if _, err := h.move(username, u, dir, navigation.GridStep); err != nil {
		h.saveFailed(w, username, "grid", err)
		return
	}
	if err := h.store.Save(username, storage.KindSelections, sel); err != nil {
		h.saveFailed(w, username, "grid", err)
		return
	}
	h.metrics.Saves.WithLabelValues("grid", "ok").Inc()

	http.Redirect(w, r, gridURL(username), http.StatusSeeOther)
}

// removeFolderLabel drops the first label whose class folder matches the
// folder part of key.
func (h *Handler) removeFolderLabel(rec *models.AnnotationRecord, key string) (string, bool) {
	folder, _, _ := strings.Cut(key, "/")
	for i, label := range rec.Labels {
		idx, err := strconv.Atoi(label)
		if err != nil {
			continue
		}
		if name, ok := h.dict.FolderName(idx); ok && name == folder {
			rec.Labels = append(rec.Labels[:i:i], rec.Labels[i+1:]...)
			return label, true
		}
	}
	return "", false
}

func (h *Handler) HandleBackToGrid(w http.ResponseWriter, r *http.Request) {
	username, _, ok := h.user(w, r)
	if !ok {
		return
	}
	if raw := r.FormValue("image_index"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			slog.Warn("Ignoring image index", "username", username, "image_index", raw)
		} else if _, err := h.repo.SetIndex(username, idx); err != nil {
			h.saveFailed(w, username, "index", err)
			return
		}
	}
	h.trackers.Get(username).EndImageSession()
	http.Redirect(w, r, gridURL(username), http.StatusSeeOther)
}

func (h *Handler) HandleJump(w http.ResponseWriter, r *http.Request) {
	username, u, ok := h.user(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		utils.RespondWithError(w, "Invalid form", http.StatusBadRequest)
		return
	}

	req := navigation.JumpRequest{
		ImageIndex:  r.FormValue("image_index"),
		ClassID:     r.FormValue("class_id"),
		ClusterName: r.FormValue("cluster_name"),
	}
	next := h.nav.Jump(h.repo.Index(username), req, u.NumPredictions())
	h.metrics.Navigation.WithLabelValues(string(navigation.Jump)).Inc()
	if _, err := h.repo.SetIndex(username, next); err != nil {
		h.saveFailed(w, username, "index", err)
		return
	}

	target := gridURL(username)
	if r.FormValue("view") == "label" {
		target = labelURL(username)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// baseName maps annotation keys onto machine box keys.
func baseName(key string) string {
	return path.Base(key)
}
