package drive

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
)

var summaryHeader = []any{"image", "labels", "num_boxes", "box_labels", "label_type", "comment"}

// SummaryRows flattens the annotator's records into spreadsheet rows, one per
// image in name order, preceded by a header row.
func SummaryRows(sel models.Selections, comments models.Comments) [][]any {
	names := make([]string, 0, len(sel))
	for name := range sel {
		names = append(names, name)
	}
	for name := range comments {
		if _, ok := sel[name]; !ok && comments[name] != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	rows := [][]any{summaryHeader}
	for _, name := range names {
		rec := sel[name]
		boxLabels := make([]string, 0, len(rec.BBoxes))
		for _, b := range rec.BBoxes {
			boxLabels = append(boxLabels, b.Label.String())
		}
		labelType := string(rec.LabelType)
		if labelType == "" && len(rec.BBoxes) > 0 {
			labelType = string(models.LabelBasic)
		}
		rows = append(rows, []any{
			name,
			strings.Join(rec.Labels, ";"),
			len(rec.BBoxes),
			strings.Join(boxLabels, ";"),
			labelType,
			comments[name],
		})
	}
	return rows
}

// ExportSummarySheet writes a new spreadsheet of the annotator's records and
// files it in their Drive folder.
func (s *Service) ExportSummarySheet(ctx context.Context, username string, sel models.Selections, comments models.Comments) Result {
	res := newResult()
	folder, err := s.userFolder(ctx, username, true)
	if err != nil {
		res.fail("General error: %v", err)
		return res
	}

	title := fmt.Sprintf("multilabelfy_%s_%s", username, time.Now().Format("20060102_150405"))
	id, url, err := s.remote.createSheet(ctx, title, SummaryRows(sel, comments))
	if err != nil {
		res.fail("Error creating summary sheet: %v", err)
		return res
	}
	if err := s.remote.addParent(ctx, id, folder); err != nil {
		slog.Warn("Summary sheet left outside user folder", "username", username, "sheet", id, "err", err)
	}
	res.SheetURL = url
	res.UploadedFiles = append(res.UploadedFiles, UploadedFile{Filename: title, FileID: id})
	return res
}
