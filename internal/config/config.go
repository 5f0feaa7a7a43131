package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// WebSocket timing
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Transcript windowing
	SilenceGap      time.Duration // flush after this much quiet
	MaxWindowTurns  int           // flush when the buffer reaches this size
	SequenceGrace   time.Duration // how long to hold out-of-order turns
	DispatchBacklog int           // queued windows per call before dropping oldest

	// Assistance dispatch
	CollaboratorTimeout time.Duration
	SimilarityFloor     float64
	MaxDocuments        int
	MinWindowTurns      int
	SuggestionCooldown  time.Duration

	// Collaborators
	DatabaseURL  string // Postgres with pgvector, for document search
	OpenAIKey    string
	ChatModel    string
	EmbedModel   string
	JWTIssuerURL string
	JWTSecret    string // HS256 fallback when no issuer is configured
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		OpenAIKey:      getEnv("OPENAI_API_KEY", ""),
		ChatModel:      getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		EmbedModel:     getEnv("OPENAI_EMBED_MODEL", "text-embedding-3-small"),
		JWTIssuerURL:   getEnv("JWT_ISSUER_URL", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
	}

	wsReadTimeout, err := envInt("WS_READ_TIMEOUT", 60)
	if err != nil {
		return nil, err
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := envInt("WS_WRITE_TIMEOUT", 10)
	if err != nil {
		return nil, err
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	silenceMs, err := envInt("WINDOW_SILENCE_GAP_MS", 2500)
	if err != nil {
		return nil, err
	}
	config.SilenceGap = time.Duration(silenceMs) * time.Millisecond

	config.MaxWindowTurns, err = envInt("WINDOW_MAX_TURNS", 5)
	if err != nil {
		return nil, err
	}

	graceMs, err := envInt("WINDOW_SEQUENCE_GRACE_MS", 1000)
	if err != nil {
		return nil, err
	}
	config.SequenceGrace = time.Duration(graceMs) * time.Millisecond

	config.DispatchBacklog, err = envInt("DISPATCH_BACKLOG", 4)
	if err != nil {
		return nil, err
	}

	dispatchTimeout, err := envInt("COLLABORATOR_TIMEOUT", 5)
	if err != nil {
		return nil, err
	}
	config.CollaboratorTimeout = time.Duration(dispatchTimeout) * time.Second

	floor := getEnv("SIMILARITY_FLOOR", "0.3")
	config.SimilarityFloor, err = strconv.ParseFloat(floor, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SIMILARITY_FLOOR: %w", err)
	}

	config.MaxDocuments, err = envInt("MAX_DOCUMENTS", 5)
	if err != nil {
		return nil, err
	}

	config.MinWindowTurns, err = envInt("MIN_WINDOW_TURNS", 2)
	if err != nil {
		return nil, err
	}

	cooldown, err := envInt("SUGGESTION_COOLDOWN", 120)
	if err != nil {
		return nil, err
	}
	config.SuggestionCooldown = time.Duration(cooldown) * time.Second

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// envInt parses an integer environment variable with a default
func envInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, strconv.Itoa(defaultValue))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
