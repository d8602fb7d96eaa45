// Package config provides configuration loading and structs for the setsumei server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	History HistoryConfig `yaml:"history"`
	Watch   WatchConfig   `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MaxUploadBytes caps the multipart body accepted by POST /caption.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// ModelConfig holds the artifact paths and tensor names of the captioning pipeline.
type ModelConfig struct {
	VocabularyPath string `yaml:"vocabulary_path"`
	DecoderPath    string `yaml:"decoder_path"`
	BackbonePath   string `yaml:"backbone_path"`
	// OnnxRuntimeLibrary is the onnxruntime shared library; empty uses the platform default.
	OnnxRuntimeLibrary string `yaml:"onnxruntime_library"`

	FeatureSize int `yaml:"feature_size"`
	ImageSize   int `yaml:"image_size"`

	BackboneInput        string `yaml:"backbone_input"`
	BackboneOutput       string `yaml:"backbone_output"`
	DecoderFeatureInput  string `yaml:"decoder_feature_input"`
	DecoderSequenceInput string `yaml:"decoder_sequence_input"`
	DecoderOutput        string `yaml:"decoder_output"`

	// Preload loads the networks at startup instead of on the first request.
	Preload   bool `yaml:"preload"`
	CacheSize int  `yaml:"cache_size"`
}

// HistoryConfig holds caption history storage settings.
type HistoryConfig struct {
	Enabled         *bool  `yaml:"enabled"`
	DatabasePath    string `yaml:"database_path"`
	BleveIndexPath  string `yaml:"bleve_index_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// EnabledOrDefault reports whether history is enabled; defaults to true when unset.
func (h *HistoryConfig) EnabledOrDefault() bool {
	if h.Enabled != nil {
		return *h.Enabled
	}
	return true
}

// WatchConfig holds drop-folder watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// DecoderPathForIndex returns the sibling weights file model_<n>.onnx next to the
// configured decoder. Negative n returns the configured path.
func (m *ModelConfig) DecoderPathForIndex(n int) string {
	if n < 0 {
		return m.DecoderPath
	}
	return filepath.Join(filepath.Dir(m.DecoderPath), fmt.Sprintf("model_%d.onnx", n))
}

// ModelName returns the decoder weights file name without extension, e.g. "model_9".
func (m *ModelConfig) ModelName() string {
	base := filepath.Base(m.DecoderPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load reads and parses the config file at path, applies defaults, and expands paths.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	expandPaths(&cfg, filepath.Dir(path))
	return &cfg, nil
}

// Default returns a config with all defaults applied and relative paths resolved against baseDir.
// Used when no config file exists.
func Default(baseDir string) *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	expandPaths(&cfg, baseDir)
	return &cfg
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func expandPaths(cfg *Config, baseDir string) {
	cfg.Model.VocabularyPath = expandPath(cfg.Model.VocabularyPath, baseDir)
	cfg.Model.DecoderPath = expandPath(cfg.Model.DecoderPath, baseDir)
	cfg.Model.BackbonePath = expandPath(cfg.Model.BackbonePath, baseDir)
	if cfg.Model.OnnxRuntimeLibrary != "" {
		cfg.Model.OnnxRuntimeLibrary = expandPath(cfg.Model.OnnxRuntimeLibrary, baseDir)
	}
	cfg.History.DatabasePath = expandPath(cfg.History.DatabasePath, baseDir)
	cfg.History.BleveIndexPath = expandPath(cfg.History.BleveIndexPath, baseDir)
	cfg.History.VectorIndexPath = expandPath(cfg.History.VectorIndexPath, baseDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], baseDir)
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to baseDir;
// other relative paths are relative to the home directory.
func expandPath(path string, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(baseDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
