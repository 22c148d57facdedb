// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "RELAYD"

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Real-time channel relay",
	Long: `relayd is a publish/subscribe relay.

Clients connect, join channels, and receive every event published to them.
Several relayd processes can share a Redis or NATS broker,
so a client receives events no matter which process it is connected to.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/relayd)")

	viper.SetDefault("port", 6838)
	viper.SetDefault("http.port", 6839)
	viper.SetDefault("bind", "")
	viper.SetDefault("broker.url", "")
	viper.SetDefault("broker.publishQueue", 1024)
	viper.SetDefault("server.timeBetweenPings", 30)
	viper.SetDefault("server.pingsUntilTimeout", 2)
	viper.SetDefault("server.sendQueue", 64)
	viper.SetDefault("server.maxRecordSize", 64*1024)
	viper.SetDefault("server.maxMessagesPerSecond", 0)
	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

// initConfig reads in config file and ENV variables if set.
// A missing config file is not an error; everything can come from the environment.
func initConfig() error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgDir == "" {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			return errors.Wrap(err, "Find home directory")
		}

		// Search for config in $HOME/.config/relayd
		cfgDir = path.Join(home, ".config", "relayd")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("relayd")

	os.Setenv("CONFDIR", cfgDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "Load config file")
		}
	}
	return nil
}
