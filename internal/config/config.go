package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"salharness/internal/params"
)

const (
	defaultConfigPath = "~/.config/salharness/config.json"
	defaultUID        = 1000
	defaultGID        = 1000
)

// Config holds user-editable settings for the harness.
type Config struct {
	// Parameters declares global parameters. Each entry is a mapping with a
	// "default" key and optional "description" and "valid_values".
	Parameters map[string]any `json:"parameters"`
	Paths      Paths          `json:"paths"`
	Logging    Logging        `json:"logging"`
	Container  Container      `json:"container"`
	Engine     Engine         `json:"engine"`
	Models     Models         `json:"models"`
	Server     Server         `json:"server"`
}

// Paths configures model, scratch and database locations.
type Paths struct {
	ModelsDir    string `json:"models_dir"`
	ScratchDir   string `json:"scratch_dir"`
	DatabasePath string `json:"database_path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Container configures how containerized models are launched.
type Container struct {
	Runtime   string   `json:"runtime"` // "docker", "nvidia-docker", "podman"
	Fallbacks []string `json:"fallbacks"`
	UseSudo   bool     `json:"use_sudo"`
	ShmSize   string   `json:"shm_size"`
	GPU       bool     `json:"gpu"`
}

// Engine configures the in-process engine.
type Engine struct {
	ONNXLibrary    string `json:"onnx_library"` // path to libonnxruntime
	IntraOpThreads int    `json:"intra_op_threads"`
}

// Models configures model bundle retrieval.
type Models struct {
	BundleURL string `json:"bundle_url"` // base URL; "<name>/model.zip" is appended
}

// Server holds default listen addresses.
type Server struct {
	StatusAddr string `json:"status_addr"`
	ModelAddr  string `json:"model_addr"`
}

// Path returns the configuration file location: $SALHARNESS_CONFIG or
// ~/.config/salharness/config.json.
func Path() string {
	if p := os.Getenv("SALHARNESS_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if cfg.Paths.ModelsDir, err = expandUser(cfg.Paths.ModelsDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Params builds the configuration layer of the parameter chain.
func (c *Config) Params() (*params.Map, error) {
	m := params.New()
	if err := m.SetFromDict(c.Parameters); err != nil {
		return nil, err
	}
	return m, nil
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Parameters: defaultParameters(),
		Paths: Paths{
			ModelsDir:    filepath.Join(home, ".local", "share", "salharness", "models"),
			ScratchDir:   os.TempDir(),
			DatabasePath: filepath.Join(os.TempDir(), "salharness.db"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Container: Container{
			Runtime:   "docker",
			Fallbacks: []string{"podman"},
			ShmSize:   "1g",
		},
		Engine: Engine{
			IntraOpThreads: 1,
		},
		Server: Server{
			StatusAddr: "127.0.0.1:8080",
			ModelAddr:  "127.0.0.1:50051",
		},
	}
}

func defaultParameters() map[string]any {
	decl := func(def any, desc string, valid ...any) map[string]any {
		d := map[string]any{"default": def, "description": desc}
		if len(valid) > 0 {
			d["valid_values"] = valid
		}
		return d
	}
	return map[string]any{
		"overwrite":        decl(false, "Replace outputs that already exist.", true, false),
		"recursive":        decl(false, "Descend into input subdirectories and mirror them.", true, false),
		"verbose":          decl(false, "Log every image at debug level.", true, false),
		"uid":              decl(defaultUID, "Owner of created files when running as root."),
		"gid":              decl(defaultGID, "Group of created files when running as root."),
		"color_space":      decl("default", "Color space the model receives.", "default", "RGB", "gray", "YCbCr", "LAB", "HSV"),
		"center_prior":     decl("default", "Center bias applied after the model.", "default", "none", "proportional_add", "proportional_mult"),
		"do_smoothing":     decl("default", "Gaussian smoothing of the map.", "default", "none", "custom", "proportional"),
		"scale_output":     decl("default", "Output value range.", "default", "min-max", "normalized", "log-density"),
		"smooth_size":      decl(9.0, "Kernel size in pixels for custom smoothing."),
		"smooth_std":       decl(3.33, "Kernel sigma in pixels for custom smoothing."),
		"smooth_prop":      decl(0.05, "Sigma as a fraction of the shorter side for proportional smoothing."),
		"center_prior_std": decl(0.25, "Center bias sigma in normalized coordinates."),
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
