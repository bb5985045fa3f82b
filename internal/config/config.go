package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	DatabaseURL        string
	CredentialKey      [32]byte
	ShutdownTimeout    int // seconds
	GeminiClientID     string
	GeminiClientSecret string
	AnthropicClientID  string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	keyHex := os.Getenv("CREDENTIAL_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("CREDENTIAL_KEY is required")
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_KEY must be 64 hex characters")
	}
	var key [32]byte
	copy(key[:], keyBytes)

	geminiClientID := os.Getenv("GEMINI_CLIENT_ID")
	geminiClientSecret := os.Getenv("GEMINI_CLIENT_SECRET")
	if geminiClientID == "" || geminiClientSecret == "" {
		log.Warn("GEMINI_CLIENT_ID or GEMINI_CLIENT_SECRET not set, Gemini token refresh will not work")
	}

	anthropicClientID := os.Getenv("ANTHROPIC_CLIENT_ID")
	if anthropicClientID == "" {
		log.Warn("ANTHROPIC_CLIENT_ID not set, Anthropic token refresh will not work")
	}

	return &Config{
		DatabaseURL:        dbURL,
		CredentialKey:      key,
		ShutdownTimeout:    2,
		GeminiClientID:     geminiClientID,
		GeminiClientSecret: geminiClientSecret,
		AnthropicClientID:  anthropicClientID,
	}, nil
}
