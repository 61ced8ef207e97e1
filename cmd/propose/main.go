// Command propose fills missing machine bounding boxes for annotators using
// Cloud Vision object localization.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/lehigh-university-libraries/multilabelfy/internal/config"
	"github.com/lehigh-university-libraries/multilabelfy/internal/labels"
	"github.com/lehigh-university-libraries/multilabelfy/internal/models"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/proposals"
	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
	"github.com/lehigh-university-libraries/multilabelfy/internal/utils"
)

func main() {
	user := flag.String("user", "", "annotator to process (default: all)")
	limit := flag.Int("limit", 0, "maximum number of new records per annotator (0 = no limit)")
	dryRun := flag.Bool("dry-run", false, "report what would be added without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		utils.ExitOnError("Invalid configuration", err)
	}
	utils.SetupLogger(cfg.SlogLevel(), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dict, err := labels.LoadDictionary(cfg.LabelNamesFile, cfg.HumanReadableFile, cfg.LabelsHumanReadable)
	if err != nil {
		utils.ExitOnError("Unable to load label dictionary", err)
	}

	store := storage.NewStore(cfg.AnnotatorsRoot)
	users := []string{*user}
	if *user == "" {
		if users, err = store.Users(); err != nil {
			utils.ExitOnError("Unable to list annotators", err)
		}
	}

	localizer, err := proposals.NewVisionLocalizer(ctx)
	if err != nil {
		utils.ExitOnError("Unable to create vision client", err)
	}
	defer localizer.Close()

	gen := proposals.NewGenerator(localizer, dict, cfg.AnnotationsRoot)
	for _, username := range users {
		var predictions []models.Prediction
		if err := store.Load(username, storage.KindPredictions, &predictions); err != nil {
			slog.Error("Unable to load predictions", "username", username, "err", err)
			continue
		}
		boxes := models.MachineBoxes{}
		if err := store.Load(username, storage.KindMachineBoxes, &boxes); err != nil {
			slog.Error("Unable to load machine boxes", "username", username, "err", err)
			continue
		}

		stats, err := gen.Fill(ctx, predictions, boxes, *limit)
		slog.Info("Proposed boxes", "username", username, "added", stats.Added, "skipped", stats.Skipped, "failed", stats.Failed)
		if stats.Added > 0 && !*dryRun {
			if err := store.Save(username, storage.KindMachineBoxes, boxes); err != nil {
				utils.ExitOnError("Unable to save machine boxes", err)
			}
		}
		if err != nil {
			slog.Warn("Stopped early", "err", err)
			return
		}
	}
}
