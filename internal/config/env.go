package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFiles loads .env files into the process environment. Variables that
// are already set are never overridden.
func LoadEnvFiles() error {
	envPaths := []string{
		"./.env",
	}

	if home, err := os.UserHomeDir(); err == nil {
		envPaths = append(envPaths,
			filepath.Join(home, ".myrai", ".env"),
			filepath.Join(home, ".config", "myrai-meds", ".env"),
		)
	}

	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := loadEnvFile(path); err != nil {
				return err
			}
		}
	}

	return nil
}

func loadEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = strings.Trim(value, `"`)
		} else if strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") {
			value = strings.Trim(value, `'`)
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}

	return scanner.Err()
}

func GetEnvDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

var envAliases = map[string][]string{
	"MEDS_SECURITY_JWT_SECRET":     {"MYRAI_JWT_SECRET", "JWT_SECRET"},
	"MEDS_SECURITY_ADMIN_PASSWORD": {"MYRAI_ADMIN_PASSWORD"},
	"MEDS_STORAGE_DATA_DIR":        {"MYRAI_DATA_DIR"},
	"MEDS_LOGGING_LEVEL":           {"LOG_LEVEL"},
}

// applyAliases exports canonical MEDS_ variables from their aliases so viper's
// AutomaticEnv picks them up.
func applyAliases() {
	for canonical := range envAliases {
		if os.Getenv(canonical) != "" {
			continue
		}
		if val := ResolveEnvWithAliases(canonical); val != "" {
			os.Setenv(canonical, val)
		}
	}
}

func ResolveEnvWithAliases(canonicalKey string) string {
	if val := os.Getenv(canonicalKey); val != "" {
		return val
	}

	if aliases, ok := envAliases[canonicalKey]; ok {
		for _, alias := range aliases {
			if val := os.Getenv(alias); val != "" {
				return val
			}
		}
	}

	return ""
}
