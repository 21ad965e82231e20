package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Upstream inference service.
	UpstreamBaseURL string

	// Per-call deadlines on Upstream HTTP requests. The chat call deadline
	// deliberately does not cancel the Bus consumer: tokens may keep
	// arriving from Upstream's background worker after the HTTP call dies.
	UpstreamMetadataTimeout time.Duration // session name, counters
	UpstreamHistoryTimeout  time.Duration
	UpstreamChatTimeout     time.Duration
	UpstreamStopTimeout     time.Duration

	// Bus.
	NatsURL string

	// Streaming idle gates.
	IdleBeforeFirstComplete time.Duration // upstream said "complete", no token yet
	IdleBeforeFirst         time.Duration // no upstream verdict, no token yet
	QuiescenceComplete      time.Duration // upstream said "complete", tokens seen
	Quiescence              time.Duration // no upstream verdict, tokens seen
	NoActivityTimeout       time.Duration // nothing at all arrived
	GlobalStreamTimeout     time.Duration

	// Catalog policy.
	MaxSessionsPerUser int
	MaxChatsPerSession int

	// Transcript GC.
	IncompleteGCSchedule string        // cron spec
	IncompleteGCMaxAge   time.Duration // incomplete pairs older than this are swept

	// Server.
	ServerShutdownTimeoutSeconds int

	// CORS.
	CORSAllowedOrigins string

	// Logging.
	LogLevel  string
	LogFormat string

	// Model profiles.
	ModelProfilesFile string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		UpstreamBaseURL: getEnvOrDefault("UPSTREAM_BASE_URL", "http://127.0.0.1:9000"),

		UpstreamMetadataTimeout: getEnvAsDuration("UPSTREAM_METADATA_TIMEOUT", 10*time.Second),
		UpstreamHistoryTimeout:  getEnvAsDuration("UPSTREAM_HISTORY_TIMEOUT", 15*time.Second),
		UpstreamChatTimeout:     getEnvAsDuration("UPSTREAM_CHAT_TIMEOUT", 30*time.Second),
		UpstreamStopTimeout:     getEnvAsDuration("UPSTREAM_STOP_TIMEOUT", 100*time.Second),

		NatsURL: getEnvOrDefault("NATS_URL", "nats://127.0.0.1:4222"),

		IdleBeforeFirstComplete: getEnvAsDuration("IDLE_BEFORE_FIRST_COMPLETE", 300*time.Millisecond),
		IdleBeforeFirst:         getEnvAsDuration("IDLE_BEFORE_FIRST", 1000*time.Millisecond),
		QuiescenceComplete:      getEnvAsDuration("QUIESCENCE_COMPLETE", 1500*time.Millisecond),
		Quiescence:              getEnvAsDuration("QUIESCENCE", 5000*time.Millisecond),
		NoActivityTimeout:       getEnvAsDuration("NO_ACTIVITY_TIMEOUT", 5000*time.Millisecond),
		GlobalStreamTimeout:     getEnvAsDuration("GLOBAL_STREAM_TIMEOUT", 60*time.Second),

		MaxSessionsPerUser: getEnvAsInt("MAX_SESSIONS_PER_USER", 10),
		MaxChatsPerSession: getEnvAsInt("MAX_CHATS_PER_SESSION", 15),

		IncompleteGCSchedule: getEnvOrDefault("INCOMPLETE_GC_SCHEDULE", "@every 5m"),
		IncompleteGCMaxAge:   getEnvAsDuration("INCOMPLETE_GC_MAX_AGE", 10*time.Minute),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		ModelProfilesFile: getEnvOrDefault("MODEL_PROFILES_FILE", "model_profiles.yaml"),
	}

	if AppConfig.UpstreamBaseURL == "" {
		log.Println("Warning: UPSTREAM_BASE_URL is empty, chat requests will fail")
	}

	if AppConfig.NatsURL == "" {
		log.Println("Warning: NATS_URL is empty, bus consumers cannot be acquired")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
