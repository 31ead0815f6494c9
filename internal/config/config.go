package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config collects everything the client reads from the environment.
type Config struct {
	APIBaseURL       string
	WSURL            string
	Transport        string // "ws" or "amqp"
	AMQPURL          string
	AMQPExchange     string
	StoragePath      string
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	TypingSettle     time.Duration
	HistoryLimit     int
	DebugAddr        string
	OTLPEndpoint     string
}

// FromEnv builds a Config from environment variables with defaults.
func FromEnv() Config {
	return Config{
		APIBaseURL:       getEnv("CHAT_API_URL", "http://localhost:8080"),
		WSURL:            getEnv("CHAT_WS_URL", "ws://localhost:8080/ws"),
		Transport:        getEnv("CHAT_TRANSPORT", "ws"),
		AMQPURL:          getEnv("CHAT_AMQP_URL", ""),
		AMQPExchange:     getEnv("CHAT_AMQP_EXCHANGE", "chat"),
		StoragePath:      getEnv("CHAT_STORAGE_PATH", defaultStoragePath()),
		HandshakeTimeout: getDuration("CHAT_HANDSHAKE_TIMEOUT", 8*time.Second),
		ReconnectDelay:   getDuration("CHAT_RECONNECT_DELAY", 3*time.Second),
		TypingSettle:     getDuration("CHAT_TYPING_SETTLE", time.Second),
		HistoryLimit:     50,
		DebugAddr:        getEnv("CHAT_DEBUG_ADDR", ""),
		OTLPEndpoint:     getEnv("CHAT_OTLP_ENDPOINT", ""),
	}
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chat-client.db"
	}
	return filepath.Join(dir, "chat-client", "state.db")
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
