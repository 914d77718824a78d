package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cobaltlane/bridgebot/cmd/bridgebot/discordcmd"
	"github.com/cobaltlane/bridgebot/cmd/bridgebot/slackcmd"
	"github.com/cobaltlane/bridgebot/internal/botruntime"
)

// version is set at build time via -ldflags.
var version = "dev"

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "bridgebot",
		Short:         "A chat bot bridging Slack and Discord threads to an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.bridgebot/config.yaml).")
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error.")
	root.PersistentFlags().String("log-format", "", "Log format: text|json.")
	_ = viper.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(slackcmd.NewCommand())
	root.AddCommand(discordcmd.NewCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the bridgebot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("bridgebot", version)
		},
	})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Error())
		os.Exit(1)
	}
}

func initConfig() error {
	botruntime.ApplyViperDefaults()

	if strings.TrimSpace(cfgFile) != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".bridgebot"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BRIDGEBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if strings.TrimSpace(cfgFile) == "" && (errors.As(err, &notFound) || os.IsNotExist(err)) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
