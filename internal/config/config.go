package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	WebDir   string

	LLMModel   string
	LLMAPIKey  string
	LLMBaseURL string

	RemoteTimeout time.Duration
	MaxRoundTrips int
	RestartToken  string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("TOOLBRIDGE_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("TOOLBRIDGE_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("TOOLBRIDGE_DB_PATH", filepath.Join(dataDir, "toolbridge.db")),
		WebDir:   getEnv("TOOLBRIDGE_WEB_DIR", "web"),

		LLMModel:   getEnv("TOOLBRIDGE_LLM_MODEL", "gpt-4o"),
		LLMAPIKey:  getEnv("TOOLBRIDGE_LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
		LLMBaseURL: getEnv("TOOLBRIDGE_LLM_BASE_URL", ""),

		RemoteTimeout: getDuration("TOOLBRIDGE_REMOTE_TIMEOUT_MS", 10*time.Second),
		MaxRoundTrips: getInt("TOOLBRIDGE_MAX_ROUND_TRIPS", 1),
		RestartToken:  getEnv("TOOLBRIDGE_RESTART_TOKEN", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
