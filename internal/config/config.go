package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/meterd.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// MeterConfig describes runtime options for the metering daemon.
type MeterConfig struct {
	Environment string
	ListenAddr  string
	// Store selection: "sqlite" (default) or "postgres".
	StoreDriver string
	SQLitePath  string
	PostgresDSN string
	// Pricing table used for cost audit metadata.
	PricingFile string
	// Tokens granted when an account is first provisioned.
	DefaultGrant int64
	LogFile      string
	LogLevel     string
}

// LoadMeterConfig reads the current environment and loads the matching
// meterd config file, applying TRAINDESK_* env overrides on top.
func LoadMeterConfig(root string) (MeterConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return MeterConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return MeterConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := MeterConfig{
		Environment: s.Environment,
		ListenAddr:  firstNonEmpty(os.Getenv("TRAINDESK_LISTEN_ADDR"), merged["listen_addr"], ":8086"),
		StoreDriver: strings.ToLower(firstNonEmpty(os.Getenv("TRAINDESK_STORE_DRIVER"), merged["store_driver"], "sqlite")),
		SQLitePath:  firstNonEmpty(os.Getenv("TRAINDESK_SQLITE_PATH"), merged["sqlite_path"], DefaultLedgerPath()),
		PostgresDSN: firstNonEmpty(os.Getenv("TRAINDESK_POSTGRES_DSN"), merged["postgres_dsn"]),
		PricingFile: firstNonEmpty(os.Getenv("TRAINDESK_PRICING_FILE"), merged["pricing_file"], filepath.Join(root, "config", "pricing.yaml")),
		LogFile:     firstNonEmpty(os.Getenv("TRAINDESK_LOG_FILE"), merged["log_file"]),
		LogLevel:    firstNonEmpty(merged["log_level"], "info"),
	}
	cfg.DefaultGrant = 100000
	if v := firstNonEmpty(os.Getenv("TRAINDESK_DEFAULT_GRANT"), merged["default_grant"]); v != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return MeterConfig{}, fmt.Errorf("invalid default_grant %q: %w", v, err)
		}
		cfg.DefaultGrant = parsed
	}

	switch cfg.StoreDriver {
	case "sqlite":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return MeterConfig{}, errors.New("store_driver=postgres requires postgres_dsn")
		}
	default:
		return MeterConfig{}, fmt.Errorf("unknown store_driver %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "meter.db"
	}
	return filepath.Join(home, ".traindesk", "meter.db")
}
