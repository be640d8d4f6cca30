// Package config loads the daemon's configuration from the environment,
// with optional .env file support.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all daemon configuration.
type Config struct {
	// HTTP control API listen address.
	APIAddr string

	// VideoDir is the root directory for recordings.
	VideoDir string

	// Capture source: an SRT listener to pull the live transport stream
	// from. Empty disables the network capture source.
	CaptureSRTAddr     string
	CaptureSRTStreamID string

	// Transport stream PIDs of the tuned program.
	VideoPID  int
	AudioPID1 int
	AudioPID2 int
	DolbyPID  int

	// AudioCommand is an external command fed Dolby audio during replay.
	AudioCommand string

	// Debug enables debug logging.
	Debug bool
}

// Load reads .env (if present) and builds the configuration from the
// environment with defaults.
func Load() *Config {
	_ = godotenv.Load()
	return &Config{
		APIAddr:            getEnv("API_ADDR", ":8040"),
		VideoDir:           getEnv("VIDEO_DIR", "video"),
		CaptureSRTAddr:     getEnv("CAPTURE_SRT_ADDR", ""),
		CaptureSRTStreamID: getEnv("CAPTURE_SRT_STREAM_ID", "live/dvr"),
		VideoPID:           getEnvInt("VPID", 0x100),
		AudioPID1:          getEnvInt("APID1", 0x101),
		AudioPID2:          getEnvInt("APID2", 0),
		DolbyPID:           getEnvInt("DPID", 0),
		AudioCommand:       getEnv("AUDIO_COMMAND", ""),
		Debug:              getEnvBool("DEBUG", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
