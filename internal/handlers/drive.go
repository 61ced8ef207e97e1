package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lehigh-university-libraries/multilabelfy/internal/services/drive"
	"github.com/lehigh-university-libraries/multilabelfy/internal/utils"
	"github.com/lehigh-university-libraries/multilabelfy/pkg/metrics"
)

const driveDisabled = "Google Drive integration is not configured"

func (h *Handler) HandleDriveUpload(w http.ResponseWriter, r *http.Request) {
	username, _, ok := h.user(w, r)
	if !ok {
		return
	}
	if h.backup == nil {
		utils.RespondWithError(w, driveDisabled, http.StatusServiceUnavailable)
		return
	}

	export := h.cfg.SheetsExport
	status := h.uploads.Start(username, "upload", func(ctx context.Context) (any, error) {
		res := h.backup.UploadUserData(ctx, username)
		if !res.Success {
			return res, resultErr(res)
		}
		if !export {
			return res, nil
		}

		sel, comments, err := h.loadAnnotations(username)
		if err != nil {
			return res, err
		}
		sheet := h.backup.ExportSummarySheet(ctx, username, sel, comments)
		res.SheetURL = sheet.SheetURL
		res.Errors = append(res.Errors, sheet.Errors...)
		if !sheet.Success {
			// the backup itself went through
			slog.Warn("Summary sheet export failed", "username", username, "errors", sheet.Errors)
		}
		return res, nil
	})
	utils.RespondWithJSON(w, http.StatusAccepted, status)
}

func (h *Handler) HandleDriveStatus(w http.ResponseWriter, r *http.Request) {
	username, _, ok := h.user(w, r)
	if !ok {
		return
	}
	status, found := h.uploads.Status(username)
	if !found {
		utils.RespondWithError(w, "No Drive task for this user", http.StatusNotFound)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, status)
}

// HandleDriveDownload restores the annotator's documents from Drive. The
// restored selections are picked up on the next request.
func (h *Handler) HandleDriveDownload(w http.ResponseWriter, r *http.Request) {
	username, _, ok := h.user(w, r)
	if !ok {
		return
	}
	if h.backup == nil {
		utils.RespondWithError(w, driveDisabled, http.StatusServiceUnavailable)
		return
	}

	status := h.uploads.Start(username, "download", func(ctx context.Context) (any, error) {
		unlock := h.lock(username)
		defer unlock()
		res := h.backup.DownloadUserData(ctx, username)
		if !res.Success {
			return res, resultErr(res)
		}
		return res, nil
	})
	utils.RespondWithJSON(w, http.StatusAccepted, status)
}

func resultErr(res drive.Result) error {
	if len(res.Errors) == 0 {
		return errors.New("drive operation failed")
	}
	return errors.New(strings.Join(res.Errors, "; "))
}

func (h *Handler) HandleFinalizeTracking(w http.ResponseWriter, r *http.Request) {
	username, _, ok := h.user(w, r)
	if !ok {
		return
	}
	file := h.trackers.Finalize(username)
	slog.Info("Time tracking session finalized", "username", username, "file", file)
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"session_file": file})
}

// agreementIoU is the overlap at which a human box matches a machine box.
const agreementIoU = 0.5

// HandleUserMetrics compares the annotator's boxes against the machine proposals.
func (h *Handler) HandleUserMetrics(w http.ResponseWriter, r *http.Request) {
	username, u, ok := h.user(w, r)
	if !ok {
		return
	}
	sel, _, err := h.loadAnnotations(username)
	if err != nil {
		slog.Error("Unable to load annotations", "username", username, "err", err)
		utils.RespondWithError(w, "Error loading data.", http.StatusInternalServerError)
		return
	}

	gt := make(map[string]int, len(u.Predictions))
	for _, p := range u.Predictions {
		gt[h.imageKey(p)] = p.GroundTruth
	}
	summary := metrics.Summarize(sel, u.MachineBoxes, gt, baseName, h.cfg.Threshold, agreementIoU)
	utils.RespondWithJSON(w, http.StatusOK, summary)
}
