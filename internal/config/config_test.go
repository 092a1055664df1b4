// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/autothanks/internal/domain"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDatabasePathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedDBPath string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := writeConfig(t, tmpDir, "config.toml", "host = \"localhost\"\nport = 3000\n")
				return configPath, "", filepath.Join(tmpDir, "autothanks.db")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				configPath := writeConfig(t, tmpDir, "config.toml", fmt.Sprintf("port = 3000\ndataDir = %q\n", dataDir))
				return configPath, "", filepath.Join(dataDir, "autothanks.db")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				configPath := writeConfig(t, tmpDir, "config.toml", fmt.Sprintf("dataDir = %q\n", configDataDir))
				return configPath, envDataDir, filepath.Join(envDataDir, "autothanks.db")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedDBPath := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestLegacyEnvironmentFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		assert func(t *testing.T, cfg *domain.Config, appCfg *AppConfig)
	}{
		{
			name: "plain_qbit_variables",
			env: map[string]string{
				"QBIT_URL":      "http://qbit:8080",
				"QBIT_USERNAME": "admin",
				"QBIT_PASSWORD": "adminadmin",
			},
			assert: func(t *testing.T, cfg *domain.Config, _ *AppConfig) {
				assert.Equal(t, "http://qbit:8080", cfg.QbitURL)
				assert.Equal(t, "admin", cfg.QbitUsername)
				assert.Equal(t, "adminadmin", cfg.QbitPassword)
			},
		},
		{
			name: "prefixed_wins_over_plain",
			env: map[string]string{
				"QBIT_URL":              "http://plain:8080",
				envPrefix + "QBIT_URL": "http://prefixed:8080",
			},
			assert: func(t *testing.T, cfg *domain.Config, _ *AppConfig) {
				assert.Equal(t, "http://prefixed:8080", cfg.QbitURL)
			},
		},
		{
			name: "webhook_port",
			env:  map[string]string{"WEBHOOK_PORT": "3100"},
			assert: func(t *testing.T, cfg *domain.Config, _ *AppConfig) {
				assert.Equal(t, 3100, cfg.Port)
			},
		},
		{
			name: "cache_dir_becomes_data_dir",
			env:  map[string]string{"CACHE_DIR": "/tmp/autothanks-cache"},
			assert: func(t *testing.T, _ *domain.Config, appCfg *AppConfig) {
				assert.Equal(t, filepath.Join("/tmp/autothanks-cache", "autothanks.db"), appCfg.GetDatabasePath())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			configPath := writeConfig(t, t.TempDir(), "config.toml", "host = \"localhost\"\n")

			cfg, err := New(configPath)
			require.NoError(t, err)
			tt.assert(t, cfg.Config, cfg)
		})
	}
}

func TestDefaultsAndSites(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "config.toml", "host = \"localhost\"\n")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Config.Port)
	assert.Equal(t, 3, cfg.Config.ScanHour)
	assert.True(t, cfg.Config.ScanEnabled)
	assert.Equal(t, 5, cfg.Config.CommentMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Config.CommentInitialDelay)
	assert.Equal(t, 10*time.Minute, cfg.Config.WebhookDedupWindow)
	assert.ElementsMatch(t, []string{"radarr", "sonarr"}, cfg.Config.WebhookSources)
	assert.Equal(t, domain.DefaultSites(), cfg.Config.Sites)
}

func TestSitesFromConfigFile(t *testing.T) {
	content := `
[[sites]]
key = "blu"
name = "blutopia"
baseUrl = "https://blutopia.example"
envPrefix = "BLU"
`
	configPath := writeConfig(t, t.TempDir(), "config.toml", content)

	cfg, err := New(configPath)
	require.NoError(t, err)

	require.Len(t, cfg.Config.Sites, 1)
	assert.Equal(t, "blu", cfg.Config.Sites[0].Key)
	assert.Equal(t, "https://blutopia.example", cfg.Config.Sites[0].BaseURL)
	assert.Equal(t, "BLU", cfg.Config.Sites[0].EnvPrefix)
}

func TestScanHourOutOfRangeFallsBack(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "config.toml", "scanHour = 27\n")

	cfg, err := New(configPath)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Config.ScanHour)
}

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		setupFile      bool
		fileIsDir      bool
		expectedSuffix string
	}{
		{name: "toml_file_extension", input: "/path/to/custom.toml", expectedSuffix: "custom.toml"},
		{name: "TOML_file_extension_uppercase", input: "/path/to/CONFIG.TOML", expectedSuffix: "CONFIG.TOML"},
		{name: "directory_path", input: "/path/to/config", expectedSuffix: "config.toml"},
		{name: "existing_file_without_toml", input: "/path/to/configfile", setupFile: true, expectedSuffix: "configfile"},
		{name: "existing_directory", input: "/path/to/configdir", setupFile: true, fileIsDir: true, expectedSuffix: "config.toml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath := filepath.Join(tmpDir, filepath.Base(tt.input))

			if tt.setupFile {
				if tt.fileIsDir {
					require.NoError(t, os.MkdirAll(inputPath, 0o755))
				} else {
					require.NoError(t, os.WriteFile(inputPath, []byte("test"), 0o644))
				}
			}

			c := &AppConfig{}
			result := c.resolveConfigPath(inputPath)
			assert.True(t, strings.HasSuffix(result, tt.expectedSuffix),
				"Expected result %s to end with %s", result, tt.expectedSuffix)
		})
	}
}

func TestNewWritesDefaultConfigWhenMissing(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "fresh")

	cfg, err := New(configDir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(configDir, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[[sites]]")
	assert.Contains(t, string(data), `baseUrl = "https://hd-olimpo.club"`)

	assert.Equal(t, domain.DefaultSites(), cfg.Config.Sites)
	assert.Equal(t, filepath.Join(configDir, "autothanks.db"), cfg.GetDatabasePath())
}

func TestBindOrReadFromFile(t *testing.T) {
	tmpKeyFile := func(t *testing.T, tmpDir string) string {
		return writeConfig(t, tmpDir, "password.txt", "password-from-file\n")
	}

	noTmpKeyFile := func(t *testing.T, tmpDir string) string {
		return ""
	}

	tests := []struct {
		name            string
		envVarValue     string
		envVarFileValue func(t *testing.T, tmpDir string) string
		expectedValue   string
	}{
		{
			name:            "only_file_env_var",
			envVarFileValue: tmpKeyFile,
			expectedValue:   "password-from-file",
		},
		{
			name:            "only_normal_env_var",
			envVarValue:     "password-not-from-file",
			envVarFileValue: noTmpKeyFile,
			expectedValue:   "password-not-from-file",
		},
		{
			name:            "file_env_var_wins",
			envVarValue:     "password-not-from-file",
			envVarFileValue: tmpKeyFile,
			expectedValue:   "password-from-file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envVar := envPrefix + "QBIT_PASSWORD"

			if tt.envVarValue != "" {
				t.Setenv(envVar, tt.envVarValue)
			}

			if path := tt.envVarFileValue(t, t.TempDir()); path != "" {
				t.Setenv(envVar+"_FILE", path)
			}

			configPath := writeConfig(t, t.TempDir(), "config.toml", "host = \"localhost\"\n")
			cfg, err := New(configPath)

			require.NoError(t, err)
			assert.Equal(t, tt.expectedValue, cfg.Config.QbitPassword)
		})
	}
}

func TestBindOrReadFromFileMissingFile(t *testing.T) {
	t.Setenv(envPrefix+"QBIT_PASSWORD_FILE", filepath.Join(t.TempDir(), "does-not-exist"))

	configPath := writeConfig(t, t.TempDir(), "config.toml", "host = \"localhost\"\n")
	_, err := New(configPath)
	require.Error(t, err)
}

func TestReloadListenersReceiveCopy(t *testing.T) {
	c := &AppConfig{Config: &domain.Config{LogLevel: "INFO", ScanHour: 5}, version: "dev"}

	var got *domain.Config
	c.RegisterReloadListener(func(cfg *domain.Config) { got = cfg })

	c.notifyListeners()

	require.NotNil(t, got)
	assert.Equal(t, 5, got.ScanHour)
	got.ScanHour = 9
	assert.Equal(t, 5, c.Config.ScanHour)
}
