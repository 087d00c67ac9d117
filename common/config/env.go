package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVar names a .env file that takes precedence over the given path.
const EnvFileVar = "LEDGERWATCH_ENV_FILE"

// LoadEnv overlays variables from a .env file onto the process environment
// so viper's AutomaticEnv sees them. The first of $LEDGERWATCH_ENV_FILE and
// path that loads wins. It returns the file used, or "" when none loaded.
func LoadEnv(path string) string {
	candidates := []string{strings.TrimSpace(os.Getenv(EnvFileVar)), path}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if err := godotenv.Overload(p); err == nil {
			return p
		}
	}
	return ""
}
