package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	pairsignal "github.com/mentorlink/pairsignal/pkg"
	"github.com/mentorlink/pairsignal/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	log = logger.GetLogger().WithName("cmd")

	// Used for flags.
	cfgFile string
	conf    = pairsignal.DefaultConfig()

	rootCmd = &cobra.Command{
		Use:   "pairsignal",
		Short: "pairsignal is the signaling and chat relay for pair-programming sessions",
		Long:  `WebRTC signaling, two-party chat relay and a headless session participant`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pairsignal.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("toml")
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			log.Error(err, "cannot find home directory")
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".pairsignal")
		viper.SetConfigType("toml")
	}
	viper.SetEnvPrefix("PAIRSIGNAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		log.Error(err, "config file load failed", "file", cfgFile)
		os.Exit(1)
	}

	if err := viper.GetViper().Unmarshal(&conf); err != nil {
		log.Error(err, "config file decode failed", "file", viper.ConfigFileUsed())
		os.Exit(1)
	}

	// empty flag values must not override the file
	if conf.Log.Level == "" {
		conf.Log.Level = "info"
	}
	logger.Init(conf.Log)

	if conf.Signal.Auth.Enabled && conf.Signal.Auth.Key == "" {
		log.Error(nil, "signal auth enabled without a key")
		os.Exit(1)
	}
}
