// Package config loads the DDC service/CLI configuration from a YAML
// file: a typed struct, required-field checks by hand, and fmt.Errorf
// with %w wrapping rather than a validation library.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level DDC configuration: task-queue broker settings,
// the blob-store root, and per-component parameter overrides.
type Config struct {
	Queue   QueueConfig   `yaml:"queue"`
	Storage StorageConfig `yaml:"storage"`
	Align   AlignConfig   `yaml:"align"`
	Compose ComposeConfig `yaml:"compose"`
	Stages  StagesConfig  `yaml:"stages"`
}

// QueueConfig selects the task-queue transport. An empty Broker means the
// Orchestrator falls back to the in-process worker-pool queue.
type QueueConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Workers  int    `yaml:"workers"`
}

// StorageConfig points at the blob-store root directory for the
// filesystem-backed adapter.
type StorageConfig struct {
	BlobRoot     string `yaml:"blob_root"`
	MetadataFile string `yaml:"metadata_file"`
}

// AlignConfig overrides the Feature & Similarity Estimator's defaults.
type AlignConfig struct {
	NFeatures             int     `yaml:"n_features"`
	HighCompute           bool    `yaml:"high_compute"`
	RatioThreshold        float64 `yaml:"ratio_threshold"`
	ReprojectionThreshold float64 `yaml:"reprojection_threshold"`
	MaxIterations         int     `yaml:"max_iterations"`
	Confidence            float64 `yaml:"confidence"`
	UseICP                bool    `yaml:"use_icp"`
}

// ComposeConfig overrides the Overlay Compositor's default parameters.
type ComposeConfig struct {
	Zoom                float64 `yaml:"zoom"`
	MaskGamma           float64 `yaml:"mask_gamma"`
	AlphaGamma          float64 `yaml:"alpha_gamma"`
	EdgeThreshold       float64 `yaml:"edge_threshold"`
	DrawLines           bool    `yaml:"draw_lines"`
	OverlapBufferPx     int     `yaml:"overlap_buffer_px"`
	VerticalAutoCorrect bool    `yaml:"vertical_auto_correct"`
}

// StagesConfig holds per-stage-kind timeout and retry settings.
type StagesConfig struct {
	RenderTimeout  time.Duration `yaml:"render_timeout"`
	DiffTimeout    time.Duration `yaml:"diff_timeout"`
	SummaryTimeout time.Duration `yaml:"summary_timeout"`
	RetryBudget    int           `yaml:"retry_budget"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Queue: QueueConfig{Workers: 4},
		Storage: StorageConfig{
			BlobRoot:     "./ddc-blobs",
			MetadataFile: "./ddc-metadata.json",
		},
		Align: AlignConfig{
			NFeatures:             4000,
			RatioThreshold:        0.75,
			ReprojectionThreshold: 10.0,
			MaxIterations:         10000,
			Confidence:            0.99,
		},
		Compose: ComposeConfig{
			Zoom:            4.0,
			MaskGamma:       1.2,
			AlphaGamma:      1.0,
			EdgeThreshold:   40,
			DrawLines:       true,
			OverlapBufferPx: 2,
		},
		Stages: StagesConfig{
			RenderTimeout:  2 * time.Minute,
			DiffTimeout:    5 * time.Minute,
			SummaryTimeout: 3 * time.Minute,
			RetryBudget:    3,
		},
	}
}

// Load reads and validates a DDC config file, overlaying values onto the
// built-in defaults so a partial file is still usable.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config file not found: %s", path)
		}
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config YAML: %w", err)
	}

	if cfg.Storage.BlobRoot == "" {
		return Config{}, fmt.Errorf("storage.blob_root is required")
	}
	if cfg.Align.NFeatures <= 0 {
		return Config{}, fmt.Errorf("align.n_features must be positive")
	}
	if cfg.Stages.RetryBudget < 0 {
		return Config{}, fmt.Errorf("stages.retry_budget must be >= 0")
	}

	return cfg, nil
}

// Save writes cfg to path as YAML, for round-tripping an edited
// configuration.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
