package config

import (
	"os"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenv loads variables from a .env file once per process. ENV_FILE points at an
// explicit file, NO_DOTENV=1 disables loading. Variables already present in the
// environment are never overridden.
func LoadDotenv() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		_ = godotenv.Load(envFile)
		return
	}

	// .env is optional
	_ = godotenv.Load()
}
