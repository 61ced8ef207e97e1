package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/bbox"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/examples"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/images"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/navigation"
	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
	"github.com/lehigh-university-libraries/multilabelfy/internal/utils"
)

type Category struct {
	examples.Group
	Score float64 `json:"score"`
}

type LabelView struct {
	Username             string            `json:"username"`
	CurrentImageIndex    int               `json:"current_image_index"`
	NumPredictions       int               `json:"num_predictions"`
	ImageName            string            `json:"image_name"`
	ImageURL             string            `json:"predicted_image"`
	GroundTruth          int               `json:"ground_truth"`
	GroundTruthName      string            `json:"ground_truth_name"`
	Cluster              string            `json:"cluster,omitempty"`
	Categories           []Category        `json:"similar_images"`
	CheckedCategories    []string          `json:"checked_categories"`
	Comments             string            `json:"comments"`
	BBoxes               bbox.Set          `json:"bboxes"`
	Border               bbox.Border       `json:"border"`
	Threshold            float64           `json:"threshold"`
	NumSimilarImages     int               `json:"num_similar_images"`
	HumanReadableClasses map[string]string `json:"human_readable_classes_map"`
}

func (h *Handler) HandleLabel(w http.ResponseWriter, r *http.Request) {
	username, u, ok := h.user(w, r)
	if !ok {
		return
	}

	idx := h.repo.Index(username)
	if raw := r.URL.Query().Get("image_index"); raw != "" {
		requested, err := strconv.Atoi(raw)
		if err != nil {
			slog.Warn("Ignoring image index", "username", username, "image_index", raw)
		} else if idx, err = h.repo.SetIndex(username, requested); err != nil {
			slog.Error("Unable to persist image index", "username", username, "err", err)
		}
	}

	sel, comments, err := h.loadAnnotations(username)
	if err != nil {
		slog.Error("Unable to load annotations", "username", username, "err", err)
		utils.RespondWithError(w, "Error loading data.", http.StatusInternalServerError)
		return
	}

	p := u.Predictions[idx]
	key := h.imageKey(p)
	imageURL, _ := h.stage(key)
	set := bbox.ForUser(sel, u.MachineBoxes).Resolve(key, h.cfg.Threshold)

	top := examples.TopCategories(p.SoftmaxVal, examples.TopK)
	groups := h.catalog(username, u).ForCategories(top, h.cfg.NumExamplesPerClass, newRand(r))
	categories := make([]Category, 0, len(groups))
	for i, g := range groups {
		g.Images = h.stageExamples(g.Images)
		categories = append(categories, Category{Group: g, Score: p.SoftmaxVal[top[i]]})
	}

	checked := sel[key].Labels
	if checked == nil {
		checked = []string{}
	}
	view := LabelView{
		Username:             username,
		CurrentImageIndex:    idx,
		NumPredictions:       u.NumPredictions(),
		ImageName:            key,
		ImageURL:             imageURL,
		GroundTruth:          p.GroundTruth,
		GroundTruthName:      h.className(p.GroundTruth),
		Cluster:              h.cluster(p.GroundTruth),
		Categories:           categories,
		CheckedCategories:    checked,
		Comments:             comments[key],
		BBoxes:               set,
		Border:               bbox.Classify(set, h.cfg.Threshold),
		Threshold:            h.cfg.Threshold,
		NumSimilarImages:     h.cfg.NumExamplesPerClass,
		HumanReadableClasses: h.dict.HumanReadableMap(),
	}

	tracker := h.trackers.Get(username)
	tracker.StartClassSessionIfChanged(p.GroundTruth, view.GroundTruthName)
	tracker.StartImageSession(key, idx)

	utils.RespondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) stageExamples(keys []string) []string {
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		u, err := h.stager.StageExample(key)
		if err != nil {
			slog.Warn("Unable to stage example image", "image", key, "err", err)
			u = images.URL(key)
		}
		urls = append(urls, u)
	}
	return urls
}

// parseBBoxes decodes the editor's box list and validates the label type.
func parseBBoxes(raw json.RawMessage, labelType string) ([]models.BBoxEntry, models.LabelType, error) {
	var boxes []models.BBoxEntry
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &boxes); err != nil {
			return nil, "", fmt.Errorf("invalid bboxes: %w", err)
		}
	}
	lt := models.LabelType(labelType)
	if !lt.Valid() {
		return nil, "", fmt.Errorf("invalid label_type %q", labelType)
	}
	if lt == "" && len(boxes) > 0 {
		lt = models.LabelBasic
	}
	return boxes, lt, nil
}

// HandleSaveLabel stores the detail view form: checked categories, comments
// and, when sent, the edited boxes. The index then moves by one.
func (h *Handler) HandleSaveLabel(w http.ResponseWriter, r *http.Request) {
	username, u, ok := h.user(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		utils.RespondWithError(w, "Invalid form", http.StatusBadRequest)
		return
	}

	key, known := h.resolveKey(u, r.FormValue("image_name"))
	if !known {
		utils.RespondWithError(w, "Unknown image_name: "+r.FormValue("image_name"), http.StatusBadRequest)
		return
	}
	_, sendsBoxes := r.Form["bboxes"]
	boxes, labelType, err := parseBBoxes(json.RawMessage(r.FormValue("bboxes")), r.FormValue("label_type"))
	if err != nil {
		utils.RespondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}

	unlock := h.lock(username)
	defer unlock()

	sel, comments, err := h.loadAnnotations(username)
	if err != nil {
		h.saveFailed(w, username, "label", err)
		return
	}

	rec := sel[key]
	rec.Labels = append([]string{}, r.Form["checkboxes"]...)
	if sendsBoxes {
		rec.BBoxes = boxes
		rec.LabelType = labelType
	}
	if rec.Empty() {
		delete(sel, key)
	} else {
		sel[key] = rec
	}
	comments[key] = r.FormValue("comments")

	dir := navigation.ParseDirection(r.FormValue("direction"))
	if _, err := h.move(username, u, dir, navigation.DetailStep); err != nil {
		h.saveFailed(w, username, "label", err)
		return
	}
	if err := h.store.Save(username, storage.KindComments, comments); err != nil {
		h.saveFailed(w, username, "label", err)
		return
	}
	if err := h.store.Save(username, storage.KindSelections, sel); err != nil {
		h.saveFailed(w, username, "label", err)
		return
	}
	h.metrics.Saves.WithLabelValues("label", "ok").Inc()

	http.Redirect(w, r, labelURL(username), http.StatusSeeOther)
}

type saveBBoxesRequest struct {
	ImageName string          `json:"image_name"`
	BBoxes    json.RawMessage `json:"bboxes"`
	LabelType string          `json:"label_type"`
}

// HandleSaveBBoxes is the editor's autosave; the current index is left alone.
func (h *Handler) HandleSaveBBoxes(w http.ResponseWriter, r *http.Request) {
	username, u, ok := h.user(w, r)
	if !ok {
		return
	}

	var request saveBBoxesRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		utils.RespondWithError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	key, known := h.resolveKey(u, request.ImageName)
	if !known {
		utils.RespondWithError(w, "Unknown image_name: "+request.ImageName, http.StatusBadRequest)
		return
	}
	boxes, labelType, err := parseBBoxes(request.BBoxes, request.LabelType)
	if err != nil {
		utils.RespondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}

	unlock := h.lock(username)
	defer unlock()

	sel := models.Selections{}
	if err := h.store.Load(username, storage.KindSelections, &sel); err != nil {
		h.saveFailed(w, username, "bboxes", err)
		return
	}
	rec := sel[key]
	rec.BBoxes = boxes
	rec.LabelType = labelType
	if rec.Empty() {
		delete(sel, key)
	} else {
		sel[key] = rec
	}
	if err := h.store.Save(username, storage.KindSelections, sel); err != nil {
		h.saveFailed(w, username, "bboxes", err)
		return
	}
	h.metrics.Saves.WithLabelValues("bboxes", "ok").Inc()
	h.metrics.Navigation.WithLabelValues(string(navigation.Stay)).Inc()

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"image_name": key,
		"num_boxes":  len(boxes),
		"label_type": labelType,
	})
}

// HandleReloadMachineBoxes re-reads the machine boxes document, e.g. after
// cmd/propose added records for the annotator.
func (h *Handler) HandleReloadMachineBoxes(w http.ResponseWriter, r *http.Request) {
	username, _, ok := h.user(w, r)
	if !ok {
		return
	}
	boxes := models.MachineBoxes{}
	if err := h.store.Load(username, storage.KindMachineBoxes, &boxes); err != nil {
		slog.Error("Unable to load machine boxes", "username", username, "err", err)
		utils.RespondWithError(w, "Error loading data.", http.StatusInternalServerError)
		return
	}
	h.repo.SetMachineBoxes(username, boxes)
	slog.Info("Reloaded machine boxes", "username", username, "records", len(boxes))
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"num_records": len(boxes),
	})
}

func (h *Handler) HandleReview(w http.ResponseWriter, r *http.Request) {
	username, _, ok := h.user(w, r)
	if !ok {
		return
	}
	image := r.FormValue("image")
	slog.Info("User is reviewing image", "username", username, "image", image)

	target := labelURL(username)
	if idx := r.FormValue("image_index"); idx != "" {
		target += "?" + url.Values{"image_index": {idx}}.Encode()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// HandleExamples re-samples example images for the requested classes.
func (h *Handler) HandleExamples(w http.ResponseWriter, r *http.Request) {
	username, u, ok := h.user(w, r)
	if !ok {
		return
	}

	var classes []int
	for _, raw := range strings.Split(r.URL.Query().Get("class_ids"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.Atoi(raw)
		if err != nil {
			utils.RespondWithError(w, "Invalid class id: "+raw, http.StatusBadRequest)
			return
		}
		classes = append(classes, id)
	}
	if len(classes) == 0 {
		p := u.Predictions[h.repo.Index(username)]
		if key := stripStatic(r.URL.Query().Get("image_name")); key != "" {
			found, ok := h.prediction(u, key)
			if !ok {
				utils.RespondWithError(w, "Unknown image: "+key, http.StatusNotFound)
				return
			}
			p = found
		}
		classes = examples.TopCategories(p.SoftmaxVal, examples.TopK)
	}

	n := h.cfg.NumExamplesPerClass
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			n = v
		}
	}

	groups := h.catalog(username, u).ForCategories(classes, n, newRand(r))
	for i := range groups {
		groups[i].Images = h.stageExamples(groups[i].Images)
	}
	utils.RespondWithJSON(w, http.StatusOK, groups)
}

// resolveKey maps a submitted image name onto the annotation key of one of
// the annotator's predictions.
func (h *Handler) resolveKey(u *storage.UserData, raw string) (string, bool) {
	name := stripStatic(raw)
	if name == "" {
		return "", false
	}
	p, ok := h.prediction(u, name)
	if !ok {
		return "", false
	}
	return h.imageKey(p), true
}

// prediction finds the prediction of an annotation key or a bare image name.
func (h *Handler) prediction(u *storage.UserData, key string) (models.Prediction, bool) {
	for _, p := range u.Predictions {
		if h.imageKey(p) == key || p.ImageName == key {
			return p, true
		}
	}
	return models.Prediction{}, false
}
