package config

// DefaultImageExtensions are the file extensions captioned by the watcher.
var DefaultImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// ApplyDefaults sets default values for any zero values in cfg.
// Artifact paths default to the project layout: ./tokenizer.json and ./models/.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 20 << 20
	}
	if cfg.Model.VocabularyPath == "" {
		cfg.Model.VocabularyPath = "./tokenizer.json"
	}
	if cfg.Model.DecoderPath == "" {
		cfg.Model.DecoderPath = "./models/model_9.onnx"
	}
	if cfg.Model.BackbonePath == "" {
		cfg.Model.BackbonePath = "./models/xception.onnx"
	}
	if cfg.Model.FeatureSize == 0 {
		cfg.Model.FeatureSize = 2048
	}
	if cfg.Model.ImageSize == 0 {
		cfg.Model.ImageSize = 299
	}
	if cfg.Model.BackboneInput == "" {
		cfg.Model.BackboneInput = "input"
	}
	if cfg.Model.BackboneOutput == "" {
		cfg.Model.BackboneOutput = "output"
	}
	if cfg.Model.DecoderFeatureInput == "" {
		cfg.Model.DecoderFeatureInput = "input_1"
	}
	if cfg.Model.DecoderSequenceInput == "" {
		cfg.Model.DecoderSequenceInput = "input_2"
	}
	if cfg.Model.DecoderOutput == "" {
		cfg.Model.DecoderOutput = "output"
	}
	if cfg.Model.CacheSize == 0 {
		cfg.Model.CacheSize = 1000
	}
	if cfg.History.DatabasePath == "" {
		cfg.History.DatabasePath = "./data/db/captions.db"
	}
	if cfg.History.BleveIndexPath == "" {
		cfg.History.BleveIndexPath = "./data/indices/bleve"
	}
	if cfg.History.VectorIndexPath == "" {
		cfg.History.VectorIndexPath = "./data/indices/features.bin"
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = append([]string(nil), DefaultImageExtensions...)
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
