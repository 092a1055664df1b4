// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autobrr/autothanks/internal/buildinfo"
	"github.com/autobrr/autothanks/internal/config"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	rootCmd := NewRootCommand()
	rootCmd.SetArgs(legacyArgs(os.Args[1:], rootCmd))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "autothanks",
		Short: "Thank torrents on private trackers automatically",
		Long: `autothanks - thanks torrents on UNIT3D based private trackers when
Radarr or Sonarr grab them, and once a day for everything in qBittorrent.

Legacy usage "autothanks <site> <torrent-id>..." is the same as
"autothanks thank <site> <torrent-id>...".`,
		SilenceUsage: true,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunThankCommand())
	rootCmd.AddCommand(RunScanCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	return rootCmd
}

// legacyArgs maps "<site> <id>..." onto the thank command.
func legacyArgs(args []string, root *cobra.Command) []string {
	if len(args) == 0 {
		return args
	}
	first := args[0]
	if strings.HasPrefix(first, "-") || first == "help" || first == "completion" {
		return args
	}
	for _, c := range root.Commands() {
		if c.Name() == first || c.HasAlias(first) {
			return args
		}
	}
	return append([]string{"thank"}, args...)
}

type commonFlags struct {
	configDir string
	dataDir   string
	logPath   string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/autothanks/ or %APPDATA%\\autothanks\\). Can also be a direct path to a .toml file")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	cmd.Flags().StringVar(&f.logPath, "log-path", "", "log file path (default is stdout)")
}

func RunServeCommand() *cobra.Command {
	var flags commonFlags

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and the daily scan",
	}
	flags.register(command)

	command.RunE = func(cmd *cobra.Command, args []string) error {
		app, err := NewApplication(flags)
		if err != nil {
			return err
		}
		return app.runServer()
	}

	return command
}

func RunThankCommand() *cobra.Command {
	var flags commonFlags

	var command = &cobra.Command{
		Use:   "thank <site> <torrent-id>...",
		Short: "Thank one or more torrents on a site",
		Args:  cobra.MinimumNArgs(2),
	}
	flags.register(command)

	command.RunE = func(cmd *cobra.Command, args []string) error {
		app, err := NewApplication(flags)
		if err != nil {
			return err
		}
		return app.runThank(cmd, args[0], args[1:])
	}

	return command
}

func RunScanCommand() *cobra.Command {
	var flags commonFlags

	var command = &cobra.Command{
		Use:   "scan",
		Short: "Thank every torrent in qBittorrent that links to a configured site",
	}
	flags.register(command)

	command.RunE = func(cmd *cobra.Command, args []string) error {
		app, err := NewApplication(flags)
		if err != nil {
			return err
		}
		return app.runScan(cmd)
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of autothanks",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/autothanks/config.toml
- Windows: %APPDATA%\autothanks\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}
