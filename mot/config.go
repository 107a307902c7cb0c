package mot

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Config holds tracker parameters. The JSON schema is flat so the same file can be
// shared between experiment runs.
type Config struct {
	// Minimum confidence of unmatched detection to start new track
	DetThresh float64 `json:"det_thresh"`
	// Frame rate of the stream and number of frames (at 30 FPS) lost track is kept for
	FrameRate   int `json:"frame_rate"`
	TrackBuffer int `json:"track_buffer"`

	// Association thresholds: appearance+motion stage, IoU fallback stage, unconfirmed tracks stage
	AppearanceThresh  float64 `json:"appearance_thresh"`
	IoUThresh         float64 `json:"iou_thresh"`
	UnconfirmedThresh float64 `json:"unconfirmed_thresh"`
	// IoU distance below which tracked and lost tracks are considered duplicates
	DuplicateThresh float64 `json:"duplicate_thresh"`

	// Weight of appearance cost in fused cost, (1 - MotionWeight) goes to motion term
	MotionWeight float64 `json:"motion_weight"`
	// Squared Mahalanobis gate
	GatingThreshold float64 `json:"gating_threshold"`

	StdWeightPosition float64 `json:"std_weight_position"`
	StdWeightVelocity float64 `json:"std_weight_velocity"`

	// Number of most recent gallery entries used for similarity observations (0 - all)
	GalleryLookup int `json:"gallery_lookup"`
	// Keep galleries untouched by matches
	FreezeGallery bool `json:"freeze_gallery"`

	// Assignment solver: "kuhn-munkres" (exact), "hungarian" or "greedy" (both approximate)
	Solver string `json:"solver"`
	// Restore pre-frame state when frame update fails. Every frame then clones all tracks;
	// gallery embeddings are shared, so the cost grows with number of tracks, not with gallery sizes
	RollbackOnFailure bool `json:"rollback_on_failure"`
	// Log per-frame summary
	Verbose bool `json:"verbose"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		DetThresh:         0.4,
		FrameRate:         30,
		TrackBuffer:       30,
		AppearanceThresh:  0.7,
		IoUThresh:         0.5,
		UnconfirmedThresh: 0.7,
		DuplicateThresh:   0.15,
		MotionWeight:      0.98,
		GatingThreshold:   Chi2Inv95,
		StdWeightPosition: defaultStdWeightPosition,
		StdWeightVelocity: defaultStdWeightVelocity,
		GalleryLookup:     0,
		FreezeGallery:     false,
		Solver:            SolverKuhnMunkres.String(),
		RollbackOnFailure: true,
		Verbose:           false,
	}
}

// LoadConfig loads configuration from JSON file.
// Fields omitted from the file retain their default values, so partial configs are safe.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return cfg, errors.Wrapf(ErrConfig, "config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to stat config file")
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return cfg, errors.Wrapf(ErrConfig, "config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config file")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(ErrConfig, "failed to parse config JSON: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MaxTimeLost returns number of frames lost track is kept for
func (c Config) MaxTimeLost() int {
	return int(float64(c.FrameRate) / 30.0 * float64(c.TrackBuffer))
}

// Validate checks that the configuration values are valid
func (c Config) Validate() error {
	if c.DetThresh < 0 || c.DetThresh > 1 {
		return errors.Wrapf(ErrConfig, "det_thresh must be between 0 and 1, got %f", c.DetThresh)
	}
	if c.FrameRate <= 0 {
		return errors.Wrapf(ErrConfig, "frame_rate must be positive, got %d", c.FrameRate)
	}
	if c.TrackBuffer < 0 {
		return errors.Wrapf(ErrConfig, "track_buffer must be non-negative, got %d", c.TrackBuffer)
	}
	thresholds := []struct {
		name  string
		value float64
	}{
		{"appearance_thresh", c.AppearanceThresh},
		{"iou_thresh", c.IoUThresh},
		{"unconfirmed_thresh", c.UnconfirmedThresh},
		{"duplicate_thresh", c.DuplicateThresh},
	}
	for _, th := range thresholds {
		if th.value <= 0 {
			return errors.Wrapf(ErrConfig, "%s must be positive, got %f", th.name, th.value)
		}
	}
	if c.MotionWeight < 0 || c.MotionWeight > 1 {
		return errors.Wrapf(ErrConfig, "motion_weight must be between 0 and 1, got %f", c.MotionWeight)
	}
	if c.GatingThreshold <= 0 {
		return errors.Wrapf(ErrConfig, "gating_threshold must be positive, got %f", c.GatingThreshold)
	}
	if c.StdWeightPosition <= 0 || c.StdWeightVelocity <= 0 {
		return errors.Wrapf(ErrConfig, "kalman noise weights must be positive, got %f and %f", c.StdWeightPosition, c.StdWeightVelocity)
	}
	if c.GalleryLookup < 0 {
		return errors.Wrapf(ErrConfig, "gallery_lookup must be non-negative, got %d", c.GalleryLookup)
	}
	if _, err := ParseSolver(c.Solver); err != nil {
		return err
	}
	return nil
}
