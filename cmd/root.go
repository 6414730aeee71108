package cmd

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "watchz",
	Short: "watchz cli",
	Long:  `watchz tracks what to watch next and keeps watch state in sync with a remote store`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	viper.SetEnvPrefix("WATCHZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", ""))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)

	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.root", "")
	viper.SetDefault("store.sqlite.filePath", "watchz.sqlite")
	viper.SetDefault("store.redis.url", "redis://localhost:6379/0")
	viper.SetDefault("store.rtdb.url", "")
	viper.SetDefault("store.rtdb.authToken", "")
	viper.SetDefault("store.rtdb.maxRetries", 3)
	viper.SetDefault("store.rtdb.baseBackoff", 500*time.Millisecond)

	viper.SetDefault("coalescer.batchSize", 10)
	viper.SetDefault("coalescer.quietDelay", time.Second)
	viper.SetDefault("coalescer.maxDelay", 5*time.Second)

	viper.SetDefault("queue.maxRetries", 3)
	viper.SetDefault("queue.baseDelay", time.Second)
	viper.SetDefault("queue.flushTimeout", 2*time.Second)
	viper.SetDefault("queue.staleAfter", 30*time.Second)
	viper.SetDefault("queue.sweepInterval", 10*time.Second)

	viper.SetDefault("controller.settleDelay", 500*time.Millisecond)
	viper.SetDefault("controller.snapshotTTL", time.Minute)

	viper.SetDefault("log.file", "")
	viper.SetDefault("log.maxSize", 100)
	viper.SetDefault("log.maxBackups", 3)
	viper.SetDefault("log.maxAge", 28)
	viper.SetDefault("log.compress", false)
}
