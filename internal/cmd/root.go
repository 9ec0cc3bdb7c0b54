package cmd

import (
	"strings"

	configcmd "github.com/Iron-Ham/autowriter/internal/cmd/config"
	"github.com/Iron-Ham/autowriter/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "autowriter",
	Short: "Research-to-report session coordinator",
	Long: `Autowriter runs report-writing sessions through a fixed pipeline of
research, structure, planning and drafting stages, streaming every step to
realtime subscribers and assembling the report section by section.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/autowriter/config.yaml)")
	rootCmd.PersistentFlags().String("storage-dir", "", "session storage root (default is $HOME/.local/share/autowriter)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug/info/warn/error)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("storage.dir", rootCmd.PersistentFlags().Lookup("storage-dir"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	configcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AUTOWRITER")
	// Replace dots with underscores for nested keys in env vars
	// e.g., AUTOWRITER_GENERATOR_API_KEY for generator.api_key
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
