package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/multilabelfy/internal/config"
	"github.com/lehigh-university-libraries/multilabelfy/internal/labels"
	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/bbox"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/drive"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/images"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/timetracker"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/upload"
	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
)

type fakeBackup struct {
	mu        sync.Mutex
	uploads   []string
	downloads []string
	sheets    int
}

func (f *fakeBackup) UploadUserData(_ context.Context, username string) drive.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, username)
	return drive.Result{Success: true, UploadedFiles: []drive.UploadedFile{{Filename: "checkbox_selections_" + username + ".json", FileID: "f1"}}, Errors: []string{}}
}

func (f *fakeBackup) DownloadUserData(_ context.Context, username string) drive.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, username)
	return drive.Result{Success: false, Errors: []string{"file not found"}}
}

func (f *fakeBackup) ExportSummarySheet(_ context.Context, _ string, _ models.Selections, _ models.Comments) drive.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sheets++
	return drive.Result{Success: true, SheetURL: "https://docs.google.com/spreadsheets/d/s1", Errors: []string{}}
}

type fixture struct {
	h     *Handler
	mux   *http.ServeMux
	store *storage.Store
	repo  *storage.Repository
}

// newFixture sets up "alice" with 60 predictions: 0..49 are class 0 (folder
// n0), 50..59 are class 1 (folder n1).
func newFixture(t *testing.T, backup Backup, sheets bool) *fixture {
	t.Helper()
	root := t.TempDir()
	store := storage.NewStore(filepath.Join(root, "annotators"))

	preds := make([]models.Prediction, 0, 60)
	for i := 0; i < 60; i++ {
		class := i / models.BlockSize
		softmax := []float64{0.1, 0.1, 0.1}
		softmax[class] = 0.8
		preds = append(preds, models.Prediction{
			ImageName:   fmt.Sprintf("img_%02d.JPEG", i),
			GroundTruth: class,
			SoftmaxVal:  softmax,
		})
	}
	require.NoError(t, store.Save("alice", storage.KindPredictions, preds))
	require.NoError(t, store.Save("alice", storage.KindSampleImages, []models.SampleImage{
		{ImageName: "ex0.JPEG", GroundTruth: 0},
		{ImageName: "ex1.JPEG", GroundTruth: 1},
	}))
	require.NoError(t, store.Save("alice", storage.KindMachineBoxes, models.MachineBoxes{
		"img_00.JPEG": {
			Boxes:  [][4]float64{{0, 0, 10, 10}, {20, 20, 40, 40}},
			Scores: []float64{0.9, 0.7},
			GT:     []int{0, 1},
		},
		"img_01.JPEG": {
			Boxes:  [][4]float64{{0, 0, 10, 10}},
			Scores: []float64{0.2},
			GT:     []int{0},
		},
	}))

	repo := storage.New(store)
	require.NoError(t, repo.LoadAll())

	cfg := config.Default()
	cfg.AnnotatorsRoot = store.Root()
	cfg.AnnotationsRoot = filepath.Join(root, "annotations")
	cfg.ExamplesRoot = filepath.Join(root, "examples")
	cfg.StaticFolder = filepath.Join(root, "static")
	cfg.UploadCancelWait = time.Second
	cfg.SheetsExport = sheets

	dict := labels.NewDictionary(map[int]string{0: "n0", 1: "n1"}, map[int]string{0: "tench", 1: "goldfish"})
	h := New(Deps{
		Config:    cfg,
		Repo:      repo,
		Dict:      dict,
		Hierarchy: labels.NewHierarchy(nil, nil),
		Trackers:  timetracker.NewRegistry(store, nil),
		Stager:    images.NewStager(cfg.AnnotationsRoot, cfg.ExamplesRoot, cfg.StaticFolder, cfg.ThumbnailSize, cfg.IsAllowedImage),
		Uploads:   upload.NewManager(cfg.UploadCancelWait),
		Backup:    backup,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.uploads.Shutdown(ctx))
	})

	mux := http.NewServeMux()
	h.Register(mux)
	return &fixture{h: h, mux: mux, store: store, repo: repo}
}

func (f *fixture) do(t *testing.T, method, target string, body string, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	return f.do(t, http.MethodGet, target, "", "")
}

func (f *fixture) postForm(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	return f.do(t, http.MethodPost, target, form.Encode(), "application/x-www-form-urlencoded")
}

func (f *fixture) selections(t *testing.T) models.Selections {
	t.Helper()
	sel := models.Selections{}
	require.NoError(t, f.store.Load("alice", storage.KindSelections, &sel))
	return sel
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestUnknownUser(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.get(t, "/api/users/bob/grid")
	require.Equal(t, http.StatusNotFound, rr.Code)
	body := decode[map[string]string](t, rr)
	require.Equal(t, "No such user exists. Please check it again.", body["error"])

	rr = f.postForm(t, "/api/users/bob/label", url.Values{"image_name": {"x"}})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLoginRedirectsToGrid(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.postForm(t, "/api/login", url.Values{"username": {" alice "}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/api/users/alice/grid", rr.Header().Get("Location"))

	rr = f.postForm(t, "/api/login", url.Values{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUsers(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.get(t, "/api/users")
	require.Equal(t, http.StatusOK, rr.Code)
	users := decode[[]userSummary](t, rr)
	require.Len(t, users, 1)
	require.Equal(t, "alice", users[0].Username)
	require.Equal(t, 60, users[0].NumPredictions)
}

func TestGridView(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.repo.SetIndex("alice", 7)
	require.NoError(t, err)

	rr := f.get(t, "/api/users/alice/grid")
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[GridView](t, rr)

	require.Equal(t, 5, view.CurrentImageIndex)
	require.Equal(t, 60, view.NumPredictions)
	require.Equal(t, "tench", view.ClassName)
	require.Len(t, view.Images, 5)
	require.Equal(t, "n0/img_05.JPEG", view.Images[0].ImageName)
	require.Equal(t, "/static/images/n0/img_05.JPEG", view.Images[0].ImageURL)
	require.Equal(t, "goldfish", view.HumanReadableClasses["1"])
}

func TestGridBorders(t *testing.T) {
	f := newFixture(t, nil, false)

	view := decode[GridView](t, f.get(t, "/api/users/alice/grid"))
	require.Len(t, view.Images, 5)

	// two machine boxes above threshold with different classes
	require.Equal(t, bbox.SourceMachine, view.Images[0].BBoxes.Source)
	require.Equal(t, bbox.BorderMultilabel, view.Images[0].Border)
	// a lone low-scoring box is raised so one box stays visible
	require.Equal(t, bbox.BorderSingle, view.Images[1].Border)
	require.Equal(t, bbox.BorderNone, view.Images[2].Border)
}

func TestGridLastPageIsShort(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.repo.SetIndex("alice", 58)
	require.NoError(t, err)

	view := decode[GridView](t, f.get(t, "/api/users/alice/grid"))
	require.Equal(t, 55, view.CurrentImageIndex)
	require.Len(t, view.Images, 5)
	require.Equal(t, "goldfish", view.ClassName)
	require.Equal(t, "n1/img_59.JPEG", view.Images[4].ImageName)
}

func TestSaveGridMergesCheckboxes(t *testing.T) {
	f := newFixture(t, nil, false)
	require.NoError(t, f.store.Save("alice", storage.KindSelections, models.Selections{
		"n0/img_01.JPEG": {Labels: []string{"0", "3"}},
		"n0/img_02.JPEG": {Labels: []string{"0"}},
		"n0/img_03.JPEG": {Labels: []string{"0"}},
		"n1/img_50.JPEG": {Labels: []string{"1"}},
	}))

	shown := []string{
		"/static/images/n0/img_00.JPEG",
		"/static/images/n0/img_01.JPEG",
		"/static/images/n0/img_02.JPEG",
		"/static/images/n0/img_03.JPEG",
		"/static/images/n0/img_04.JPEG",
	}
	rr := f.postForm(t, "/api/users/alice/grid", url.Values{
		"image_name": {strings.Join(shown, "|")},
		"checkboxes": {"/static/images/n0/img_00.JPEG|0", "/static/images/n0/img_03.JPEG|0"},
		"direction":  {"next"},
	})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/api/users/alice/grid", rr.Header().Get("Location"))
	require.Equal(t, 5, f.repo.Index("alice"))

	sel := f.selections(t)
	require.Equal(t, []string{"0"}, sel["n0/img_00.JPEG"].Labels)
	require.Equal(t, []string{"3"}, sel["n0/img_01.JPEG"].Labels)
	require.NotContains(t, sel, "n0/img_02.JPEG")
	require.Equal(t, []string{"0"}, sel["n0/img_03.JPEG"].Labels)
	require.NotContains(t, sel, "n0/img_04.JPEG")
	// not shown on this page, untouched
	require.Equal(t, []string{"1"}, sel["n1/img_50.JPEG"].Labels)
}

func TestSaveGridRejectsMalformedCheckbox(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.postForm(t, "/api/users/alice/grid", url.Values{
		"image_name": {"n0/img_00.JPEG"},
		"checkboxes": {"n0/img_00.JPEG"},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Zero(t, f.repo.Index("alice"))
}

func TestSaveGridWrapsAcrossClasses(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.repo.SetIndex("alice", 47)
	require.NoError(t, err)

	rr := f.postForm(t, "/api/users/alice/grid", url.Values{"direction": {"next"}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, 50, f.repo.Index("alice"))

	rr = f.postForm(t, "/api/users/alice/grid", url.Values{"direction": {"prev"}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, 49, f.repo.Index("alice"))
}

func TestLabelView(t *testing.T) {
	f := newFixture(t, nil, false)
	require.NoError(t, f.store.Save("alice", storage.KindComments, models.Comments{"n1/img_55.JPEG": "blurry"}))

	rr := f.get(t, "/api/users/alice/label?image_index=55&seed=7")
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[LabelView](t, rr)

	require.Equal(t, 55, view.CurrentImageIndex)
	require.Equal(t, 55, f.repo.Index("alice"))
	require.Equal(t, "n1/img_55.JPEG", view.ImageName)
	require.Equal(t, "goldfish", view.GroundTruthName)
	require.Equal(t, "blurry", view.Comments)
	require.Empty(t, view.CheckedCategories)
	require.Len(t, view.Categories, 3)
	require.Equal(t, 1, view.Categories[0].ClassID)
	require.InDelta(t, 0.8, view.Categories[0].Score, 1e-9)
	require.Equal(t, []string{"/static/images/n1/ex1.JPEG"}, view.Categories[0].Images)

	snap := f.h.trackers.Get("alice").Snapshot()
	require.NotEmpty(t, snap.ClassSessions)
}

func TestLabelViewIgnoresMalformedIndex(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.repo.SetIndex("alice", 3)
	require.NoError(t, err)

	view := decode[LabelView](t, f.get(t, "/api/users/alice/label?image_index=abc"))
	require.Equal(t, 3, view.CurrentImageIndex)

	view = decode[LabelView](t, f.get(t, "/api/users/alice/label?image_index=9999"))
	require.Equal(t, 59, view.CurrentImageIndex)
}

func TestSaveLabelWithBoxes(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.postForm(t, "/api/users/alice/label", url.Values{
		"image_name": {"/static/images/n0/img_00.JPEG"},
		"checkboxes": {"0", "1"},
		"comments":   {"two fish"},
		"bboxes":     {`[{"coordinates":[1,2,30,40],"label":1,"crowd_flag":false,"possible_labels":[1,2]}]`},
		"label_type": {"uncertain"},
		"direction":  {"next"},
	})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/api/users/alice/label", rr.Header().Get("Location"))
	require.Equal(t, 1, f.repo.Index("alice"))

	rec := f.selections(t)["n0/img_00.JPEG"]
	require.Equal(t, []string{"0", "1"}, rec.Labels)
	require.Len(t, rec.BBoxes, 1)
	require.Equal(t, models.IntLabel(1), rec.BBoxes[0].Label)
	require.Equal(t, []int{1, 2}, rec.BBoxes[0].PossibleLabels)
	require.Equal(t, models.LabelUncertain, rec.LabelType)

	comments := models.Comments{}
	require.NoError(t, f.store.Load("alice", storage.KindComments, &comments))
	require.Equal(t, "two fish", comments["n0/img_00.JPEG"])

	// saved boxes now take precedence over the machine proposals
	view := decode[GridView](t, f.get(t, "/api/users/alice/grid"))
	require.Equal(t, bbox.SourceAnnotation, view.Images[0].BBoxes.Source)
	require.Equal(t, bbox.BorderSingle, view.Images[0].Border)
}

func TestSaveLabelWithoutBoxesKeepsThem(t *testing.T) {
	f := newFixture(t, nil, false)
	require.NoError(t, f.store.Save("alice", storage.KindSelections, models.Selections{
		"n0/img_00.JPEG": {
			Labels:    []string{"0"},
			BBoxes:    []models.BBoxEntry{{Coordinates: [4]float64{1, 1, 5, 5}, Label: models.IntLabel(0)}},
			LabelType: models.LabelOOD,
		},
	}))

	rr := f.postForm(t, "/api/users/alice/label", url.Values{
		"image_name": {"n0/img_00.JPEG"},
		"direction":  {"stay"},
	})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Zero(t, f.repo.Index("alice"))

	rec := f.selections(t)["n0/img_00.JPEG"]
	require.Empty(t, rec.Labels)
	require.Len(t, rec.BBoxes, 1)
	require.Equal(t, models.LabelOOD, rec.LabelType)
}

func TestSaveLabelRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.postForm(t, "/api/users/alice/label", url.Values{
		"image_name": {"n0/img_00.JPEG"},
		"bboxes":     {"not json"},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.postForm(t, "/api/users/alice/label", url.Values{
		"image_name": {"n0/img_00.JPEG"},
		"label_type": {"maybe"},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.postForm(t, "/api/users/alice/label", url.Values{"direction": {"next"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.postForm(t, "/api/users/alice/label", url.Values{
		"image_name": {"/static/images/n0/not_mine.JPEG"},
		"checkboxes": {"0"},
		"direction":  {"next"},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Zero(t, f.repo.Index("alice"))
	require.Empty(t, f.selections(t))
}

func TestSaveLabelNormalizesBareImageName(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.postForm(t, "/api/users/alice/label", url.Values{
		"image_name": {"img_51.JPEG"},
		"checkboxes": {"1"},
	})
	require.Equal(t, http.StatusSeeOther, rr.Code)

	sel := f.selections(t)
	require.Len(t, sel, 1)
	require.Equal(t, []string{"1"}, sel["n1/img_51.JPEG"].Labels)
}

func TestSaveBBoxes(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.repo.SetIndex("alice", 12)
	require.NoError(t, err)
	require.NoError(t, f.store.Save("alice", storage.KindSelections, models.Selections{
		"n0/img_12.JPEG": {Labels: []string{"0"}},
	}))

	body := `{"image_name":"/static/images/n0/img_12.JPEG","bboxes":[
		{"coordinates":[0,0,5,5],"label":0,"crowd_flag":true},
		{"coordinates":[5,5,9,9],"label":"7","crowd_flag":false,"reflected_flag":true}
	]}`
	rr := f.do(t, http.MethodPost, "/api/users/alice/bboxes", body, "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[map[string]any](t, rr)
	require.Equal(t, "success", resp["status"])
	require.EqualValues(t, 2, resp["num_boxes"])
	require.Equal(t, "basic", resp["label_type"])
	require.Equal(t, 12, f.repo.Index("alice"))

	rec := f.selections(t)["n0/img_12.JPEG"]
	require.Equal(t, []string{"0"}, rec.Labels)
	require.Len(t, rec.BBoxes, 2)
	require.True(t, rec.BBoxes[0].CrowdFlag)
	require.Equal(t, models.BoxLabel{Value: "7"}, rec.BBoxes[1].Label)
	require.True(t, rec.BBoxes[1].ReflectedFlag)

	// clearing the boxes of a label-less record removes it
	require.NoError(t, f.store.Save("alice", storage.KindSelections, models.Selections{
		"n0/img_13.JPEG": {BBoxes: []models.BBoxEntry{{Label: models.IntLabel(0)}}},
	}))
	rr = f.do(t, http.MethodPost, "/api/users/alice/bboxes", `{"image_name":"n0/img_13.JPEG","bboxes":[]}`, "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, f.selections(t), "n0/img_13.JPEG")
}

func TestSaveBBoxesRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.do(t, http.MethodPost, "/api/users/alice/bboxes", `{"image_name":"n0/img_00.JPEG","bboxes":[],"label_type":"weird"}`, "application/json")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/users/alice/bboxes", `{not json`, "application/json")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/users/alice/bboxes", `{"bboxes":[]}`, "application/json")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/users/alice/bboxes", `{"image_name":"n1/img_00.JPEG","bboxes":[{"coordinates":[0,0,1,1],"label":1}]}`, "application/json")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, f.selections(t))
}

func TestSaveGridIgnoresUnknownImages(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.postForm(t, "/api/users/alice/grid", url.Values{
		"image_name": {"n0/img_00.JPEG|n0/ghost.JPEG"},
		"checkboxes": {"n0/img_00.JPEG|0", "n0/ghost.JPEG|0"},
		"direction":  {"stay"},
	})
	require.Equal(t, http.StatusSeeOther, rr.Code)

	sel := f.selections(t)
	require.Len(t, sel, 1)
	require.Equal(t, []string{"0"}, sel["n0/img_00.JPEG"].Labels)
}

func TestReloadMachineBoxes(t *testing.T) {
	f := newFixture(t, nil, false)

	view := decode[GridView](t, f.get(t, "/api/users/alice/grid"))
	require.Equal(t, bbox.SourceNone, view.Images[2].BBoxes.Source)

	require.NoError(t, f.store.Save("alice", storage.KindMachineBoxes, models.MachineBoxes{
		"img_02.JPEG": {
			Boxes:  [][4]float64{{1, 1, 8, 8}},
			Scores: []float64{0.95},
			GT:     []int{0},
		},
	}))
	// the cache is only refreshed by the reload route
	view = decode[GridView](t, f.get(t, "/api/users/alice/grid"))
	require.Equal(t, bbox.SourceNone, view.Images[2].BBoxes.Source)

	rr := f.do(t, http.MethodPost, "/api/users/alice/bboxes/reload", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[map[string]any](t, rr)
	require.EqualValues(t, 1, resp["num_records"])

	view = decode[GridView](t, f.get(t, "/api/users/alice/grid"))
	require.Equal(t, bbox.SourceMachine, view.Images[2].BBoxes.Source)
	require.Equal(t, bbox.BorderSingle, view.Images[2].Border)
	require.Equal(t, bbox.SourceNone, view.Images[0].BBoxes.Source)

	rr = f.do(t, http.MethodPost, "/api/users/bob/bboxes/reload", "", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJump(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.postForm(t, "/api/users/alice/jump", url.Values{"class_id": {"1"}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/api/users/alice/grid", rr.Header().Get("Location"))
	require.Equal(t, 50, f.repo.Index("alice"))

	rr = f.postForm(t, "/api/users/alice/jump", url.Values{"image_index": {"12"}, "view": {"label"}})
	require.Equal(t, "/api/users/alice/label", rr.Header().Get("Location"))
	require.Equal(t, 12, f.repo.Index("alice"))

	f.postForm(t, "/api/users/alice/jump", url.Values{"image_index": {"oops"}})
	require.Equal(t, 12, f.repo.Index("alice"))

	f.postForm(t, "/api/users/alice/jump", url.Values{"image_index": {"500"}})
	require.Equal(t, 59, f.repo.Index("alice"))
}

func TestReviewAndBackToGrid(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.postForm(t, "/api/users/alice/review", url.Values{"image": {"n0/img_03.JPEG"}, "image_index": {"3"}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/api/users/alice/label?image_index=3", rr.Header().Get("Location"))

	f.get(t, rr.Header().Get("Location"))
	require.Equal(t, 3, f.repo.Index("alice"))

	rr = f.postForm(t, "/api/users/alice/back2grid", url.Values{"image_index": {"8"}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/api/users/alice/grid", rr.Header().Get("Location"))
	require.Equal(t, 8, f.repo.Index("alice"))
}

func TestExamples(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.get(t, "/api/users/alice/examples?class_ids=1,0&seed=3")
	require.Equal(t, http.StatusOK, rr.Code)
	groups := decode[[]struct {
		ClassID int      `json:"class_id"`
		Images  []string `json:"images"`
	}](t, rr)
	require.Len(t, groups, 2)
	require.Equal(t, 1, groups[0].ClassID)
	require.Equal(t, []string{"/static/images/n1/ex1.JPEG"}, groups[0].Images)
	require.Equal(t, []string{"/static/images/n0/ex0.JPEG"}, groups[1].Images)

	rr = f.get(t, "/api/users/alice/examples?class_ids=1,x")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExamplesForImage(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.get(t, "/api/users/alice/examples?image_name=/static/images/n1/img_51.JPEG&seed=1")
	require.Equal(t, http.StatusOK, rr.Code)
	groups := decode[[]struct {
		ClassID int `json:"class_id"`
	}](t, rr)
	require.Len(t, groups, 3)
	require.Equal(t, 1, groups[0].ClassID)

	rr = f.get(t, "/api/users/alice/examples?image_name=n9/missing.JPEG")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDriveDisabled(t *testing.T) {
	f := newFixture(t, nil, false)

	rr := f.do(t, http.MethodPost, "/api/users/alice/drive/upload", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/users/alice/drive/download", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = f.get(t, "/api/users/alice/drive/upload")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func waitForState(t *testing.T, f *fixture, want upload.State) upload.TaskStatus {
	t.Helper()
	var status upload.TaskStatus
	require.Eventually(t, func() bool {
		rr := f.get(t, "/api/users/alice/drive/upload")
		if rr.Code != http.StatusOK {
			return false
		}
		var current upload.TaskStatus
		if err := json.Unmarshal(rr.Body.Bytes(), &current); err != nil {
			return false
		}
		status = current
		return current.State == want
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestDriveUpload(t *testing.T) {
	backup := &fakeBackup{}
	f := newFixture(t, backup, true)

	rr := f.do(t, http.MethodPost, "/api/users/alice/drive/upload", "", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	started := decode[upload.TaskStatus](t, rr)
	require.Equal(t, "upload", started.Kind)
	require.NotEmpty(t, started.ID)

	status := waitForState(t, f, upload.StateSucceeded)
	require.Equal(t, started.ID, status.ID)

	backup.mu.Lock()
	defer backup.mu.Unlock()
	require.Equal(t, []string{"alice"}, backup.uploads)
	require.Equal(t, 1, backup.sheets)
}

func TestDriveDownloadFailure(t *testing.T) {
	backup := &fakeBackup{}
	f := newFixture(t, backup, false)

	rr := f.do(t, http.MethodPost, "/api/users/alice/drive/download", "", "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	status := waitForState(t, f, upload.StateFailed)
	require.Equal(t, "download", status.Kind)
	require.Equal(t, "file not found", status.Error)
}

func TestFinalizeTracking(t *testing.T) {
	f := newFixture(t, nil, false)
	f.get(t, "/api/users/alice/label")

	rr := f.do(t, http.MethodPost, "/api/users/alice/tracking/finalize", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[map[string]string](t, rr)
	require.NotEmpty(t, resp["session_file"])
	require.FileExists(t, resp["session_file"])
	require.Equal(t, f.store.UserDir("alice"), filepath.Dir(resp["session_file"]))
}

func TestUserMetrics(t *testing.T) {
	f := newFixture(t, nil, false)
	require.NoError(t, f.store.Save("alice", storage.KindSelections, models.Selections{
		"n0/img_00.JPEG": {
			Labels: []string{"0", "1"},
			BBoxes: []models.BBoxEntry{
				{Coordinates: [4]float64{0, 0, 10, 10}, Label: models.IntLabel(0)},
				{Coordinates: [4]float64{20, 20, 40, 40}, Label: models.IntLabel(1)},
			},
		},
		"n0/img_05.JPEG": {Labels: []string{"3"}},
	}))

	rr := f.get(t, "/api/users/alice/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decode[map[string]any](t, rr)
	require.EqualValues(t, 2, summary["annotated_images"])
	require.EqualValues(t, 1, summary["compared_images"])
	require.EqualValues(t, 1, summary["mean_precision"])
	require.EqualValues(t, 1, summary["mean_recall"])
	require.InDelta(t, 0.5, summary["ground_truth_kept"], 1e-9)
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t, nil, false)
	f.postForm(t, "/api/users/alice/jump", url.Values{"class_id": {"1"}})

	rr := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `multilabelfy_navigation_total{direction="jump"} 1`)
	require.Contains(t, rr.Body.String(), `multilabelfy_http_request_duration_seconds_count{code="303",route="jump"} 1`)
}

func TestHealthcheck(t *testing.T) {
	f := newFixture(t, nil, false)
	rr := f.get(t, "/healthcheck")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())
}
