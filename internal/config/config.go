// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/autothanks/internal/domain"
)

var envPrefix = "AUTOTHANKS__"

const (
	databaseFileName = "autothanks.db"

	defaultCommentMaxAttempts  = 5
	defaultCommentInitialDelay = 5 * time.Second
)

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version
	c.applyFallbacks()

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 3000)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "")

	c.viper.SetDefault("qbitUrl", "http://localhost:8080")
	c.viper.SetDefault("qbitUsername", "")
	c.viper.SetDefault("qbitPassword", "")
	c.viper.SetDefault("qbitTimeout", "30s")
	c.viper.SetDefault("commentMaxAttempts", defaultCommentMaxAttempts)
	c.viper.SetDefault("commentInitialDelay", defaultCommentInitialDelay.String())

	c.viper.SetDefault("scanEnabled", true)
	c.viper.SetDefault("scanHour", 3)

	c.viper.SetDefault("webhookSources", []string{"radarr", "sonarr"})
	c.viper.SetDefault("webhookDedupWindow", "10m")
	c.viper.SetDefault("webhookProcessTimeout", "10m")

	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9075)
	c.viper.SetDefault("metricsBasicAuthUsers", "")
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// viper reports a missing explicit file as a plain fs error
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
			if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
				return err
			}
			c.viper.SetConfigFile(defaultConfigPath)
			if err := c.viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read newly created config: %w", err)
			}
			c.dataDir = filepath.Dir(defaultConfigPath)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	return nil
}

func (c *AppConfig) loadFromEnv() error {
	// DO NOT use AutomaticEnv() - bind only the variables we own.
	// The second name of each pair is the variable the original shell setup used.
	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT", "WEBHOOK_PORT")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR", "CACHE_DIR")

	c.viper.BindEnv("qbitUrl", envPrefix+"QBIT_URL", "QBIT_URL")
	c.viper.BindEnv("qbitUsername", envPrefix+"QBIT_USERNAME", "QBIT_USERNAME")
	if err := c.bindOrReadFromFile("qbitPassword", envPrefix+"QBIT_PASSWORD", "QBIT_PASSWORD"); err != nil {
		return err
	}
	c.viper.BindEnv("qbitTimeout", envPrefix+"QBIT_TIMEOUT")
	c.viper.BindEnv("commentMaxAttempts", envPrefix+"COMMENT_MAX_ATTEMPTS")
	c.viper.BindEnv("commentInitialDelay", envPrefix+"COMMENT_INITIAL_DELAY")

	c.viper.BindEnv("scanEnabled", envPrefix+"SCAN_ENABLED")
	c.viper.BindEnv("scanHour", envPrefix+"SCAN_HOUR")

	c.viper.BindEnv("webhookSources", envPrefix+"WEBHOOK_SOURCES")
	c.viper.BindEnv("webhookDedupWindow", envPrefix+"WEBHOOK_DEDUP_WINDOW")
	c.viper.BindEnv("webhookProcessTimeout", envPrefix+"WEBHOOK_PROCESS_TIMEOUT")

	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
	c.viper.BindEnv("metricsBasicAuthUsers", envPrefix+"METRICS_BASIC_AUTH_USERS")

	return nil
}

// applyFallbacks fills values that must never be zero after unmarshal.
func (c *AppConfig) applyFallbacks() {
	if len(c.Config.Sites) == 0 {
		c.Config.Sites = domain.DefaultSites()
	}
	if c.Config.CommentMaxAttempts <= 0 {
		c.Config.CommentMaxAttempts = defaultCommentMaxAttempts
	}
	if c.Config.CommentInitialDelay <= 0 {
		c.Config.CommentInitialDelay = defaultCommentInitialDelay
	}
	if c.Config.ScanHour < 0 || c.Config.ScanHour > 23 {
		log.Warn().Int("scanHour", c.Config.ScanHour).Msg("scanHour out of range, using 3")
		c.Config.ScanHour = 3
	}
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.applyFallbacks()
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Hostname / IP for the webhook server
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port for the webhook server
# Default: 3000
port = {{ .port }}

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path
# If not defined, logs to stdout
#logPath = "log/autothanks.log"

# Maximum log file size in megabytes before rotation
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# The database (autothanks.db) with site sessions and thank history lives here
#dataDir = "/var/lib/autothanks"

# qBittorrent WebUI
qbitUrl = "{{ .qbitUrl }}"
#qbitUsername = "admin"
# Prefer AUTOTHANKS__QBIT_PASSWORD or AUTOTHANKS__QBIT_PASSWORD_FILE
#qbitPassword = ""
#qbitTimeout = "30s"

# How often to ask qBittorrent for the comment of a freshly grabbed torrent.
# The wait before attempt n+1 is commentInitialDelay * 2^(n-1).
#commentMaxAttempts = {{ .commentMaxAttempts }}
#commentInitialDelay = "{{ .commentInitialDelay }}"

# Daily reconciliation scan of every torrent in qBittorrent
#scanEnabled = true
# Hour of day (0-23, local time)
scanHour = {{ .scanHour }}

# Accepted webhook sources: POST /webhook/<source>
#webhookSources = ["radarr", "sonarr"]
# Repeat deliveries of the same download within this window are ignored
#webhookDedupWindow = "10m"
# Upper bound for background processing of a single grab
#webhookProcessTimeout = "10m"

# Prometheus Metrics
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9075
# Format: "username:bcrypt_hash" or "user1:hash1,user2:hash2"
#metricsBasicAuthUsers = ""

# Tracker sites. Credentials are read from <envPrefix>_USERNAME and <envPrefix>_PASSWORD.
{{ range .sites }}
[[sites]]
key = "{{ .Key }}"
name = "{{ .Name }}"
baseUrl = "{{ .BaseURL }}"
envPrefix = "{{ .EnvPrefix }}"
loginButtonSelector = '{{ .LoginButtonSelector }}'
{{ end }}`

	data := map[string]any{
		"host":                c.viper.GetString("host"),
		"port":                c.viper.GetInt("port"),
		"logLevel":            c.viper.GetString("logLevel"),
		"logMaxSize":          c.viper.GetInt("logMaxSize"),
		"logMaxBackups":       c.viper.GetInt("logMaxBackups"),
		"qbitUrl":             c.viper.GetString("qbitUrl"),
		"commentMaxAttempts":  c.viper.GetInt("commentMaxAttempts"),
		"commentInitialDelay": c.viper.GetString("commentInitialDelay"),
		"scanHour":            c.viper.GetInt("scanHour"),
		"sites":               domain.DefaultSites(),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// Docker images set XDG_CONFIG_HOME=/config
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "autothanks")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "autothanks")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "autothanks")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "autothanks")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, "module", zerolog.MessageFieldName}
		writer.FieldsExclude = []string{"module"}
		writer.FormatPartValueByName = func(i any, name string) string {
			if name == "module" {
				if i == nil {
					return ""
				}
				return fmt.Sprintf("[%v]", i)
			}
			return fmt.Sprint(i)
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFileName)
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// bindOrReadFromFile sets the key from the file named by <env>_FILE when present,
// otherwise binds the key to the given environment variables.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVars ...string) error {
	for _, envVar := range envVars {
		filePath := os.Getenv(envVar + "_FILE")
		if filePath == "" {
			continue
		}
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("could not read %s_FILE %q: %w", envVar, filePath, err)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return nil
	}

	c.viper.BindEnv(append([]string{viperVar}, envVars...)...)
	return nil
}
