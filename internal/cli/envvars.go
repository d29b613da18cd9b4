package cli

import (
	"os"
	"strings"

	envparse "github.com/caarlos0/env/v11"
)

// baseEnv defines root CLI defaults sourced from AIOCTL_* env vars.
type baseEnv struct {
	// ConfigPath is the aioctl.yaml path from AIOCTL_CONFIG.
	ConfigPath string `env:"AIOCTL_CONFIG"`
	// LogLevel is the logging level from AIOCTL_LOG_LEVEL.
	LogLevel string `env:"AIOCTL_LOG_LEVEL"`
}

// selectionEnv supplies profile and settings inputs when flags are absent.
type selectionEnv struct {
	// Profiles is a comma-separated list from AIOCTL_PROFILES.
	Profiles []string `env:"AIOCTL_PROFILES" envSeparator:","`
	// Templates is a comma-separated list from AIOCTL_TEMPLATES.
	Templates []string `env:"AIOCTL_TEMPLATES" envSeparator:","`
	// SettingsFile is a .env path from AIOCTL_SETTINGS_FILE.
	SettingsFile string `env:"AIOCTL_SETTINGS_FILE"`
	// Set is a k=v,k2=v2 list from AIOCTL_SET.
	Set string `env:"AIOCTL_SET"`
}

// parseEnv fills target from AIOCTL_* env vars via caarlos0/env.
func parseEnv(target any) error {
	return envparse.Parse(target)
}

// envPresent reports whether a non-empty env var exists.
func envPresent(key string) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return strings.TrimSpace(val) != ""
}
