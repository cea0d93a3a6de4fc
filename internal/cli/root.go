package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kapstong/integ-capstone-sub005/internal/config"
)

const serviceName = "finance-portal"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "portal",
	Short:        "Finance portal workflow core: task escalation and workflow triggers",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/portal/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./portal.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("storage", config.StoragePostgres, "storage backend: postgres | memory")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address (host:port); empty disables the definition cache and sweeper lock")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("storage", rootCmd.PersistentFlags(), "storage")
	bindFlag("postgres_dsn", rootCmd.PersistentFlags(), "postgres-dsn")
	bindFlag("redis_addr", rootCmd.PersistentFlags(), "redis-addr")
	_ = viper.BindEnv("postgres_dsn", "DATABASE_URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(newInitCmd("portal", defaultPortalYAML))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("portal")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.finance-portal")
		viper.AddConfigPath("/etc/finance-portal")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
