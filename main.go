package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lehigh-university-libraries/multilabelfy/internal/config"
	"github.com/lehigh-university-libraries/multilabelfy/internal/handlers"
	"github.com/lehigh-university-libraries/multilabelfy/internal/labels"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/drive"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/images"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/timetracker"
	"github.com/lehigh-university-libraries/multilabelfy/internal/services/upload"
	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
	"github.com/lehigh-university-libraries/multilabelfy/internal/utils"
	"github.com/lehigh-university-libraries/multilabelfy/pkg/metrics"
)

func main() {
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
	if _, err := os.Stat(cfg.AnnotationsRoot); err == nil {
		if err := dict.ValidateFolders(cfg.AnnotationsRoot); err != nil {
			utils.ExitOnError("Annotation dataset does not match the label dictionary", err)
		}
	} else {
		slog.Warn("Annotation dataset root not found", "root", cfg.AnnotationsRoot)
	}
	hierarchy, err := labels.LoadHierarchy(cfg.ClassHierarchyFile, cfg.IndexToParentFile)
	if err != nil {
		utils.ExitOnError("Unable to load class hierarchy", err)
	}

	store := storage.NewStore(cfg.AnnotatorsRoot)
	repo := storage.New(store)
	if err := repo.LoadAll(); err != nil {
		utils.ExitOnError("Unable to load annotator data", err)
	}

	if cfg.NumExamplesPerClass > 0 {
		if _, err := os.Stat(cfg.ExamplesRoot); err == nil {
			dest := filepath.Join(cfg.StaticFolder, "images")
			if err := images.CopySamples(cfg.ExamplesRoot, dest, cfg.NumExamplesPerClass, cfg.IsAllowedImage); err != nil {
				slog.Warn("Unable to seed example images", "root", cfg.ExamplesRoot, "err", err)
			}
		}
	}

	uploads := upload.NewManager(cfg.UploadCancelWait)
	deps := handlers.Deps{
		Config:    cfg,
		Repo:      repo,
		Dict:      dict,
		Hierarchy: hierarchy,
		Trackers:  timetracker.NewRegistry(store, time.Now),
		Stager:    images.NewStager(cfg.AnnotationsRoot, cfg.ExamplesRoot, cfg.StaticFolder, cfg.ThumbnailSize, cfg.IsAllowedImage),
		Uploads:   uploads,
		Metrics:   metrics.NewCollectors(),
	}
	if cfg.DriveEnabled {
		svc, err := drive.New(ctx, cfg.GoogleCredentialsFile, cfg.GoogleTokenFile, cfg.DriveFolderID, store)
		if err != nil {
			slog.Warn("Google Drive backup disabled", "err", err)
		} else {
			deps.Backup = svc
		}
	}

	handler := handlers.New(deps)
	mux := http.NewServeMux()
	handler.Register(mux)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Multilabelfy interface available", "addr", cfg.Addr(), "annotators", len(repo.Usernames()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.ExitOnError("Server failed to start", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "err", err)
	}
	if err := uploads.Shutdown(shutdownCtx); err != nil {
		slog.Error("Background tasks did not stop", "err", err)
	}
	deps.Trackers.FinalizeAll()
}
