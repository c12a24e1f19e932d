package relay

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	ReadTimeoutSeconds int
	SendBufferSize     int
}

// loads relay process configuration from the environment, with an
// optional .env file for local runs
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenAddr:         getEnv("COLLAB_RELAY_LISTEN", ":7301"),
		ReadTimeoutSeconds: getEnvInt("COLLAB_RELAY_READ_TIMEOUT_SECONDS", 15),
		SendBufferSize:     getEnvInt("COLLAB_RELAY_SEND_BUFFER", 64),
	}
}

func (self *Config) RelaySettings() *RelaySettings {
	settings := DefaultRelaySettings()
	settings.ReadTimeout = time.Duration(self.ReadTimeoutSeconds) * time.Second
	settings.SendBufferSize = self.SendBufferSize
	return settings
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
