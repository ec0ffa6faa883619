package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/cli"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

func main() {
	configFile := os.Getenv("SWITCHD_CONFIG")
	if configFile == "" {
		configFile = "configs/switchd.yaml"
	}

	viper.SetConfigFile(configFile)
	viper.SetEnvPrefix("switchd")
	viper.AutomaticEnv()
	viper.SetDefault("esl.password", "ClueCon")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.console", true)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.user", "root")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.name", "switchd")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: could not read config file: %v\n", err)
		}
	}

	log.Setup(viper.GetString("log.level"), viper.GetBool("log.console"))

	rootCmd := cli.InitCLI()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes to the documented process exit codes:
// 1 for configuration errors, 2 when no engine accepted a connection.
func exitCode(err error) int {
	var confErr *models.ConfigurationError
	switch {
	case errors.Is(err, cli.ErrNoEngines):
		return 2
	case errors.As(err, &confErr):
		return 1
	default:
		var authErr *esl.AuthError
		if errors.As(err, &authErr) {
			return 2
		}
		return 1
	}
}
