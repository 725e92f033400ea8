// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/internal/config"
	"github.com/xkilldash9x/certidao-cli/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// persistentBindings maps persistent flags to their viper keys.
var persistentBindings = map[string]string{
	"log-level":       "logger.level",
	"definitions-dir": "automation.definitions_dir",
	"db-driver":       "database.driver",
}

// newRootCmd builds a fresh command tree. Each invocation owns its viper
// instance so tests never share configuration state.
func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "certidao",
		Short:         "Certidão automates the issuance of property and owner certificates on government portals.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "certidao"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting certidao", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("definitions-dir", "", "directory with additional certificate definitions")
	rootCmd.PersistentFlags().String("db-driver", "", "run record store: postgres, sqlite or none")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDefinitionsCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the CLI with a signal-aware context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		observability.Sync()
		os.Exit(1)
	}
	observability.Sync()
}

// initializeConfig reads the config file and environment into v and binds
// the command's flags.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CERTIDAO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	for name, key := range persistentBindings {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// configFrom returns the configuration loaded by PersistentPreRunE.
func configFrom(cmd *cobra.Command) (config.Interface, error) {
	if cmd.Context() != nil {
		if cfg, ok := cmd.Context().Value(configKey).(config.Interface); ok {
			return cfg, nil
		}
	}
	return nil, errors.New("configuration not loaded")
}
