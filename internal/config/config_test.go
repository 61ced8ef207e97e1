package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT_NUMBER", "9100")
	t.Setenv("THRESHOLD", "0.7")
	t.Setenv("ANNOTATORS_ROOT_DIRECTORY", "/data/annotators")
	t.Setenv("ARE_LABELS_HUMAN_READABLE", "true")
	t.Setenv("ALLOWED_EXTENSIONS", "jpg, png")
	t.Setenv("UPLOAD_CANCEL_WAIT", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, ":9100", cfg.Addr())
	require.InDelta(t, 0.7, cfg.Threshold, 1e-9)
	require.Equal(t, "/data/annotators", cfg.AnnotatorsRoot)
	require.True(t, cfg.LabelsHumanReadable)
	require.Equal(t, []string{"jpg", "png"}, cfg.AllowedExtensions)
	require.Equal(t, 500*time.Millisecond, cfg.UploadCancelWait)
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("THRESHOLD", "half")

	_, err := Load()
	require.Error(t, err)
}

func TestIsAllowedImage(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.IsAllowedImage("n01440764/ILSVRC2012_val_00000293.JPEG"))
	require.True(t, cfg.IsAllowedImage("a.webp"))
	require.False(t, cfg.IsAllowedImage("notes.txt"))
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	require.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	cfg.LogLevel = "DEBUG"
	require.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}
