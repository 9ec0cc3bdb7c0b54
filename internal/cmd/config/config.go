// Package config provides CLI commands for managing autowriter configuration.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	appconfig "github.com/Iron-Ham/autowriter/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify autowriter configuration",
	Long: `View or modify autowriter configuration.

Settings are read from the config file, then overridden by AUTOWRITER_*
environment variables and command-line flags.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Keys use dot notation, e.g.:
  autowriter config set generator.provider anthropic
  autowriter config set pipeline.stage_timeout 2m
  autowriter config set pipeline.retryable_stages research,drafting
  autowriter config set transport.overflow_policy disconnect

The value is checked against the rest of the configuration before the
file is written. Run 'autowriter config show' to see every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/autowriter/config.yaml with the common options.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in your editor",
	Long: `Open the config file in your preferred editor.

Uses $EDITOR environment variable, or falls back to common editors (vim, nano, vi).
If no config file exists, creates one with default values first.`,
	Args: cobra.NoArgs,
	RunE: runConfigEdit,
}

var configResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Reset configuration to defaults",
	Long: `Reset configuration values to their defaults.

Without arguments, removes every value from the config file.
With a key argument, removes only that key.

Examples:
  autowriter config reset                        # Reset all to defaults
  autowriter config reset pipeline.stage_timeout # Reset one key`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigReset,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configResetCmd)
}

// Register adds all config-related commands to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// targetFile is the file set and reset write to: the one in use, or the
// default location.
func targetFile() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return appconfig.ConfigFile()
}

// knownKeys lists every settable key.
func knownKeys() []string {
	v := viper.New()
	appconfig.SetDefaultsOn(v)
	keys := v.AllKeys()
	slices.Sort(keys)
	return keys
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if _, err := appconfig.Load(); err != nil {
		fmt.Fprintf(out, "Warning: configuration is invalid, defaults are used instead:\n%v\n\n", err)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	settings := viper.AllSettings()
	delete(settings, "config")
	if gen, ok := settings["generator"].(map[string]any); ok {
		if key, _ := gen["api_key"].(string); key != "" {
			gen["api_key"] = "********"
		}
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(settings)
}

// parseValue converts raw to the type of key's default.
func parseValue(key, raw string) (any, error) {
	defaults := viper.New()
	appconfig.SetDefaultsOn(defaults)

	switch defaults.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	case time.Duration:
		if _, err := time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected duration like 30s or 5m", key)
		}
		return raw, nil
	case []string:
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	default:
		return raw, nil
	}
}

// readFile loads path into a private viper. A missing file yields an
// empty one.
func readFile(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return v, nil
}

// writeChecked validates the file's settings on top of the defaults and
// writes it.
func writeChecked(file *viper.Viper, path string) error {
	merged := viper.New()
	appconfig.SetDefaultsOn(merged)
	if err := merged.MergeConfigMap(file.AllSettings()); err != nil {
		return err
	}
	if _, err := appconfig.LoadFrom(merged); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if filepath.Ext(path) == "" {
		file.SetConfigType("yaml")
	}
	if err := file.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := strings.ToLower(args[0]), args[1]
	if !slices.Contains(knownKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'autowriter config show' to see valid keys", key)
	}
	value, err := parseValue(key, raw)
	if err != nil {
		return err
	}

	path := targetFile()
	file, err := readFile(path)
	if err != nil {
		return err
	}
	file.Set(key, value)
	if err := writeChecked(file, path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, value)
	fmt.Fprintf(out, "Config saved to %s\n", path)
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	path := targetFile()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		if err := writeChecked(viper.New(), path); err != nil {
			return err
		}
		fmt.Fprintln(out, "Reset all configuration to defaults.")
		fmt.Fprintf(out, "Config saved to %s\n", path)
		return nil
	}

	key := strings.ToLower(args[0])
	if !slices.Contains(knownKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'autowriter config show' to see valid keys", key)
	}
	file, err := readFile(path)
	if err != nil {
		return err
	}

	// viper cannot unset a key, so rebuild the file without it.
	kept := viper.New()
	for _, k := range file.AllKeys() {
		if k != key {
			kept.Set(k, file.Get(k))
		}
	}
	if err := writeChecked(kept, path); err != nil {
		return err
	}

	defaults := viper.New()
	appconfig.SetDefaultsOn(defaults)
	fmt.Fprintf(out, "Reset %s to default: %v\n", key, defaults.Get(key))
	fmt.Fprintf(out, "Config saved to %s\n", path)
	return nil
}

const defaultConfigContent = `# autowriter configuration
# Environment variables override these values, e.g. AUTOWRITER_GENERATOR_PROVIDER.

# HTTP API and realtime stream
server:
  addr: 127.0.0.1:8080

# Session storage. Empty means ~/.local/share/autowriter.
storage:
  dir: ""

# Stage execution
pipeline:
  # Time budget for one generation call
  stage_timeout: 5m
  # Attempts per retryable stage, including the first
  max_attempts: 3
  # Stages that retry transient failures
  retryable_stages: [research, structure, planning, drafting]
  retry_backoff_base: 2s
  retry_backoff_max: 30s

# Realtime delivery
transport:
  # Outbound buffer per subscriber
  buffer_size: 256
  # What happens when a subscriber falls behind: drop_oldest or disconnect
  overflow_policy: drop_oldest
  # Recent messages kept in memory for replay
  replay_window: 1024
  heartbeat_interval: 15s

# Text generation: mock, anthropic or openai
generator:
  provider: mock
  # model: ""
  # api_key is read from ANTHROPIC_API_KEY or OPENAI_API_KEY when empty
  max_tokens: 4096
  temperature: 0.7

logging:
  # debug, info, warn or error. Changes apply to a running coordinator.
  level: info
  max_size_mb: 10
  max_backups: 3
`

func runConfigInit(cmd *cobra.Command, _ []string) error {
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'autowriter config set' to modify values", configFile)
	}

	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize autowriter's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", appconfig.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: AUTOWRITER_* (e.g., AUTOWRITER_PIPELINE_STAGE_TIMEOUT)")
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := targetFile()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "Config file doesn't exist, creating with defaults...")
		if err := runConfigInit(cmd, args); err != nil {
			return err
		}
		configFile = appconfig.ConfigFile()
	}

	// Find an editor
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		for _, e := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Set $EDITOR environment variable")
	}

	editorCmd := execCommand(editor, configFile)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Config file saved: %s\n", configFile)
	return nil
}
