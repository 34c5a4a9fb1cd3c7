package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	RelayURL        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
	LogLevel        string
}

// Load reads configuration from the environment. When MESSAGING_ENV_FILE
// points at a dotenv file, its values are loaded first without overriding
// variables already set in the environment.
func Load() *Config {
	if envFile := os.Getenv("MESSAGING_ENV_FILE"); envFile != "" {
		godotenv.Load(envFile)
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/messaging.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		RelayURL:        getEnv("RELAY_URL", "ws://localhost:8080/ws"),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
		PushSubscriber:  getEnv("PUSH_SUBSCRIBER", "mailto:push@costumery.local"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
