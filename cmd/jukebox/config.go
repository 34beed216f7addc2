package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"jukebox/internal/chat"
)

// Config contains application-wide settings sourced from the environment.
type Config struct {
	DatabaseURL    string
	Addr           string
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	PlayerURL string

	NeteaseAPIURL  string
	NeteaseCookie  string
	QQAPIURL       string
	BilibiliAPIURL string

	// StatsTimezone fixes the calendar-day boundary for daily statistics.
	StatsTimezone *time.Location

	Chat        chat.Config
	BotDisabled bool

	AdminUsername     string
	AdminPasswordHash string
	JWTSecret         string
	TokenTTL          time.Duration
}

func loadConfig() (Config, error) {
	_ = godotenv.Load("config/local.env")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return Config{}, errors.New("DATABASE_URL env var is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return Config{}, errors.New("JWT_SECRET env var is required")
	}

	passwordHash := os.Getenv("ADMIN_PASSWORD_HASH")
	if passwordHash == "" {
		return Config{}, errors.New("ADMIN_PASSWORD_HASH env var is required")
	}

	tokenHours, err := strconv.Atoi(envOrDefault("TOKEN_EXPIRE_HOURS", "24"))
	if err != nil || tokenHours <= 0 {
		return Config{}, fmt.Errorf("invalid TOKEN_EXPIRE_HOURS")
	}

	statsTZ := envOrDefault("STATS_TIMEZONE", "Asia/Shanghai")
	statsLoc, err := time.LoadLocation(statsTZ)
	if err != nil {
		return Config{}, fmt.Errorf("invalid STATS_TIMEZONE %q: %w", statsTZ, err)
	}

	cfg := Config{
		DatabaseURL:    dsn,
		Addr:           fmt.Sprintf(":%s", envOrDefault("PORT", "8080")),
		AllowedOrigins: parseAllowedOrigins(envOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "text"),

		PlayerURL: envOrDefault("AUDIOSERVICE_URL", "http://localhost:5000"),

		NeteaseAPIURL:  envOrDefault("NETEASE_API_URL", "http://localhost:3000"),
		NeteaseCookie:  os.Getenv("NETEASE_COOKIE"),
		QQAPIURL:       envOrDefault("QQ_API_URL", "http://localhost:3200"),
		BilibiliAPIURL: envOrDefault("BILIBILI_API_URL", "http://localhost:8080"),

		StatsTimezone: statsLoc,

		Chat: chat.Config{
			BaseURL:        envOrDefault("CHAT_BASE_URL", "https://api.oopz.cn"),
			WSURL:          envOrDefault("CHAT_WS_URL", "wss://ws.oopz.cn"),
			PersonUID:      os.Getenv("CHAT_PERSON_UID"),
			DeviceID:       os.Getenv("CHAT_DEVICE_ID"),
			SignatureJWT:   os.Getenv("CHAT_SIGNATURE_JWT"),
			AppVersion:     envOrDefault("CHAT_APP_VERSION", "1.0.0"),
			Channel:        envOrDefault("CHAT_CHANNEL", "Web"),
			Platform:       envOrDefault("CHAT_PLATFORM", "windows"),
			DefaultArea:    os.Getenv("CHAT_DEFAULT_AREA"),
			DefaultChannel: os.Getenv("CHAT_DEFAULT_CHANNEL"),
			PrivateKeyPEM:  os.Getenv("CHAT_PRIVATE_KEY_PEM"),
		},
		BotDisabled: envOrDefault("BOT_DISABLED", "false") == "true",

		AdminUsername:     envOrDefault("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: passwordHash,
		JWTSecret:         jwtSecret,
		TokenTTL:          time.Duration(tokenHours) * time.Hour,
	}

	// the bot needs a gateway identity to connect with
	if !cfg.BotDisabled && cfg.Chat.PersonUID == "" {
		return Config{}, errors.New("CHAT_PERSON_UID env var is required unless BOT_DISABLED=true")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	var origins []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
