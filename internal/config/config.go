// Package config loads application settings from environment variables.
// Call godotenv.Load() in main before Load so a local .env is honored.
package config

import (
	"os"
	"strconv"
	"time"
)

// Settings holds every tunable of the backend. Zero credentials are not an
// error: the pipeline runs in a degraded mode (mock transcription, keyword
// classification) when remote capabilities are unconfigured.
type Settings struct {
	// HTTP server
	Port string

	// Storage
	LocalStoragePath string
	HQSeedPath       string

	// Speech recognition service
	SpeechEndpoint string
	SpeechKey      string
	SpeechLanguage string

	// LLM gateway (OpenAI-style chat completions)
	LLMEndpoint   string
	LLMKey        string
	LLMDeployment string

	// Silence gate
	SilenceThresholdDB    float64
	MinSpeechDuration     time.Duration
	RecognitionMaxWait    time.Duration

	// Chunk drop-directory ingester (disabled when empty)
	WatchDir string
}

// Load reads settings from the environment, applying development defaults.
func Load() Settings {
	return Settings{
		Port:             envOr("PORT", "8080"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "./data"),
		HQSeedPath:       envOr("HQ_SEED_PATH", "./config/hq_master.yaml"),

		SpeechEndpoint: os.Getenv("SPEECH_ENDPOINT"),
		SpeechKey:      os.Getenv("SPEECH_KEY"),
		SpeechLanguage: envOr("SPEECH_LANGUAGE", "ja-JP"),

		LLMEndpoint:   os.Getenv("LLM_ENDPOINT"),
		LLMKey:        os.Getenv("LLM_KEY"),
		LLMDeployment: envOr("LLM_DEPLOYMENT", "gpt-4o"),

		SilenceThresholdDB: envFloat("SILENCE_THRESHOLD_DB", -60.0),
		MinSpeechDuration:  envDuration("MIN_SPEECH_DURATION", 500*time.Millisecond),
		RecognitionMaxWait: envDuration("RECOGNITION_MAX_WAIT", 10*time.Minute),

		WatchDir: os.Getenv("CHUNK_WATCH_DIR"),
	}
}

// IsSpeechConfigured reports whether the remote recognition capability can
// be used.
func (s Settings) IsSpeechConfigured() bool {
	return s.SpeechEndpoint != "" && s.SpeechKey != ""
}

// IsLLMConfigured reports whether the remote classification capability can
// be used.
func (s Settings) IsLLMConfigured() bool {
	return s.LLMEndpoint != "" && s.LLMKey != ""
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
