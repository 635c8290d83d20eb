package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIURL       = "http://localhost:8003"
	DefaultHistoryLimit = 50
	DefaultDatabaseURL  = "postgres://localhost/chatsync?sslmode=disable"
)

// Client is the terminal client configuration.
type Client struct {
	APIURL       string
	WSURL        string
	Token        string
	Profile      string
	HistoryLimit int
}

// Server is the development chat service configuration.
type Server struct {
	Port                string
	DatabaseURL         string
	MaxConnectionsPerIP int
	AuthAttemptsPerMin  int
	CORSOrigins         []string
}

// LoadDotEnv reads .env into the environment when present. Variables already
// set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

func LoadClient() (Client, error) {
	cfg := Client{
		APIURL:       getEnv("CHAT_API_URL", DefaultAPIURL),
		WSURL:        os.Getenv("CHAT_WS_URL"),
		Token:        os.Getenv("CHAT_TOKEN"),
		Profile:      getEnv("CHAT_PROFILE", "default"),
		HistoryLimit: getEnvInt("CHAT_HISTORY_LIMIT", DefaultHistoryLimit),
	}
	if cfg.HistoryLimit <= 0 {
		return Client{}, fmt.Errorf("CHAT_HISTORY_LIMIT must be positive, got %d", cfg.HistoryLimit)
	}
	if cfg.WSURL == "" {
		ws, err := WebSocketURL(cfg.APIURL)
		if err != nil {
			return Client{}, err
		}
		cfg.WSURL = ws
	}
	return cfg, nil
}

func LoadServer() Server {
	cfg := Server{
		Port:                getEnv("PORT", "8003"),
		DatabaseURL:         getEnv("DATABASE_URL", DefaultDatabaseURL),
		MaxConnectionsPerIP: getEnvInt("MAX_CONNECTIONS_PER_IP", 10),
		AuthAttemptsPerMin:  getEnvInt("AUTH_ATTEMPTS_PER_MIN", 5),
		CORSOrigins:         []string{"http://*", "https://*"},
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	return cfg
}

// WebSocketURL maps an http(s) API origin to the matching ws(s) origin.
func WebSocketURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	return u.String(), nil
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
