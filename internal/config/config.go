package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime configuration of the annotation server.
type Config struct {
	Port                  int
	AnnotatorsRoot        string
	AnnotationsRoot       string
	ExamplesRoot          string
	StaticFolder          string
	Threshold             float64
	NumExamplesPerClass   int
	NumClasses            int
	LabelNamesFile        string
	HumanReadableFile     string
	LabelsHumanReadable   bool
	ClassHierarchyFile    string
	IndexToParentFile     string
	AllowedExtensions     []string
	DriveEnabled          bool
	DriveFolderID         string
	GoogleCredentialsFile string
	GoogleTokenFile       string
	SheetsExport          bool
	UploadCancelWait      time.Duration
	ThumbnailSize         int
	LogLevel              string
	LogFormat             string
}

// Default returns the configuration used when no environment overrides are set.
func Default() Config {
	appRoot := filepath.Join(".", "app")
	return Config{
		Port:                  9000,
		AnnotatorsRoot:        filepath.Join(appRoot, "demo_data", "annotator_dirs"),
		AnnotationsRoot:       filepath.Join(appRoot, "demo_data", "annotations"),
		ExamplesRoot:          filepath.Join(appRoot, "demo_data", "examples"),
		StaticFolder:          "static",
		Threshold:             0.5,
		NumExamplesPerClass:   1,
		NumClasses:            1000,
		LabelNamesFile:        "./required_files/imagenet_v2/label_indices_to_wordnet_ids.json",
		HumanReadableFile:     "./required_files/imagenet_v2/label_indices_to_full_synonyms.json",
		ClassHierarchyFile:    "./required_files/imagenet_v2/parent_to_children.json",
		IndexToParentFile:     "./required_files/imagenet_v2/index_to_parent.json",
		AllowedExtensions:     []string{"jpg", "jpeg", "png", "webp", "avif"},
		GoogleCredentialsFile: "credentials.json",
		GoogleTokenFile:       "token.json",
		UploadCancelWait:      2 * time.Second,
		ThumbnailSize:         320,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Load reads an optional .env file and applies environment overrides on top of Default.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Error loading .env file", "err", err)
	}

	cfg := Default()
	var err error

	if cfg.Port, err = intEnv("PORT_NUMBER", cfg.Port); err != nil {
		return cfg, err
	}
	cfg.AnnotatorsRoot = stringEnv("ANNOTATORS_ROOT_DIRECTORY", cfg.AnnotatorsRoot)
	cfg.AnnotationsRoot = stringEnv("ANNOTATIONS_ROOT_FOLDER", cfg.AnnotationsRoot)
	cfg.ExamplesRoot = stringEnv("EXAMPLES_DATASET_ROOT_DIR", cfg.ExamplesRoot)
	cfg.StaticFolder = stringEnv("STATIC_FOLDER", cfg.StaticFolder)
	if cfg.Threshold, err = floatEnv("THRESHOLD", cfg.Threshold); err != nil {
		return cfg, err
	}
	if cfg.NumExamplesPerClass, err = intEnv("NUM_EXAMPLES_PER_CLASS", cfg.NumExamplesPerClass); err != nil {
		return cfg, err
	}
	if cfg.NumClasses, err = intEnv("NUM_CLASSES", cfg.NumClasses); err != nil {
		return cfg, err
	}
	cfg.LabelNamesFile = stringEnv("LABEL_INDICES_TO_LABEL_NAMES_JSONFILE", cfg.LabelNamesFile)
	cfg.HumanReadableFile = stringEnv("LABEL_INDICES_TO_HR_JSONFILE", cfg.HumanReadableFile)
	cfg.LabelsHumanReadable = boolEnv("ARE_LABELS_HUMAN_READABLE", cfg.LabelsHumanReadable)
	cfg.ClassHierarchyFile = stringEnv("CLASS_HIERARCHY_FILE", cfg.ClassHierarchyFile)
	cfg.IndexToParentFile = stringEnv("INDEX_TO_PARENT_FILE", cfg.IndexToParentFile)
	if v := os.Getenv("ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitList(v)
	}
	cfg.DriveEnabled = boolEnv("GOOGLE_DRIVE_ENABLED", cfg.DriveEnabled)
	cfg.DriveFolderID = stringEnv("GOOGLE_DRIVE_FOLDER_ID", cfg.DriveFolderID)
	cfg.GoogleCredentialsFile = stringEnv("GOOGLE_CREDENTIALS_FILE", cfg.GoogleCredentialsFile)
	cfg.GoogleTokenFile = stringEnv("GOOGLE_TOKEN_FILE", cfg.GoogleTokenFile)
	cfg.SheetsExport = boolEnv("GOOGLE_SHEETS_EXPORT", cfg.SheetsExport)
	if v := os.Getenv("UPLOAD_CANCEL_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid UPLOAD_CANCEL_WAIT %q: %w", v, err)
		}
		cfg.UploadCancelWait = d
	}
	if cfg.ThumbnailSize, err = intEnv("THUMBNAIL_SIZE", cfg.ThumbnailSize); err != nil {
		return cfg, err
	}
	cfg.LogLevel = stringEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = stringEnv("LOG_FORMAT", cfg.LogFormat)

	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail later at request time.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.AnnotatorsRoot == "" {
		return fmt.Errorf("ANNOTATORS_ROOT_DIRECTORY is required")
	}
	if c.Threshold < 0 {
		return fmt.Errorf("threshold must be non-negative, got %v", c.Threshold)
	}
	if c.NumExamplesPerClass < 0 {
		return fmt.Errorf("NUM_EXAMPLES_PER_CLASS must be non-negative, got %d", c.NumExamplesPerClass)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// IsAllowedImage reports whether filename carries one of the configured extensions.
func (c Config) IsAllowedImage(filename string) bool {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	for _, allowed := range c.AllowedExtensions {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}
	return false
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Ignoring invalid boolean", "key", key, "value", v)
		return fallback
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
