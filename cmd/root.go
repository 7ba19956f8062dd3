// Package cmd implements the asuka command-line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kex1016/asuka-fp/asuka"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "asuka",
	Short: "Community-management Discord bot",
	Long: "Asuka runs anime exchanges, reaction polls and a community " +
		"event calendar for a single Discord guild, alongside passive " +
		"link fixing and a small read-only HTTP API.",
}

// Execute runs the root command with a signal-aware context.
func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default: ./asuka.yaml)",
	)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// Not an error if absent - the .env file is a dev convenience.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("asuka")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.asuka")
	}

	envPrefix := os.Getenv(asuka.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = asuka.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setViperDefaults()

	if err := viper.ReadInConfig(); err == nil {
		slog.Default().Info(
			"using config file", "file", viper.ConfigFileUsed(),
		)
	}
}

// setViperDefaults registers every config key so environment variables
// bind even without a config file. exchange.register_days has no
// default on purpose.
func setViperDefaults() {
	viper.SetDefault("database", asuka.DefaultDatabase)
	viper.SetDefault("database_type", asuka.DefaultDatabaseType)
	viper.SetDefault("database_log_level", asuka.DefaultDatabaseLogLevel.String())
	viper.SetDefault("database_slow_threshold", asuka.DefaultDatabaseSlowThreshold)
	viper.SetDefault("log_level", asuka.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", asuka.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", asuka.DefaultShutdownTimeout)
	viper.SetDefault("scheduler_tick_interval", asuka.DefaultSchedulerTickInterval)

	viper.SetDefault("exchange.channel_id", "")
	viper.SetDefault("exchange.on_lonely_participant", asuka.DefaultOnLonelyParticipant)

	viper.SetDefault("anilist.url", asuka.DefaultAniListURL)
	viper.SetDefault("anilist.max_requests_per_second", asuka.DefaultAniListMaxRequestsPerSecond)
	viper.SetDefault("anilist.log_level", asuka.DefaultAniListLogLevel.String())

	viper.SetDefault("spotify.client_id", "")
	viper.SetDefault("spotify.client_secret", "")

	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", asuka.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", asuka.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.startup_message", asuka.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", asuka.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.gateway_intents", int64(asuka.DefaultDiscordGatewayIntent))

	viper.SetDefault("api.listen", asuka.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.static_dir", asuka.DefaultAPIStaticDir)
	viper.SetDefault("api.log_level", asuka.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", asuka.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", asuka.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", asuka.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", asuka.DefaultIdleTimeout)
}

// logLevelKeys are the config keys holding log level strings.
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"anilist.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// loadConfig unmarshals viper state onto a default config. Level
// strings are converted to *slog.LevelVar values with viper.Set
// first: mapstructure can't decode a string into a LevelVar on its
// own, but assigns an already-converted value directly.
func loadConfig() (*asuka.Config, error) {
	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		levelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", key, err)
		}
		viper.Set(key, levelVar)
	}

	config := asuka.DefaultConfig()
	err := viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return config, nil
}

// levelStringToLevelVar parses a level string like "DEBUG" into a
// *slog.LevelVar.
func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(level)
	return levelVar, nil
}
