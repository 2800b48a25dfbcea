// houseprice trains a convolutional network to predict house prices from tiled photos.
package main

import (
	"log"
	"strings"

	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/nnet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "houseprice",
	Short:         "house price regression from tiled images",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ./houseprice.yaml)")
	flags.String("data", houses.DefaultOptions.DataDir, "prepared data directory")
	flags.Int64("seed", houses.DefaultOptions.Seed, "random number seed")
	flags.Int("threads", 0, "number of worker threads (default num CPUs)")
	flags.Int("debug", 0, "debug logging level")
	rootCmd.AddCommand(prepareCmd, trainCmd, evaluateCmd, baselineCmd, configCmd)
}

// read the optional config file and bind the command flags so that the precedence is
// flag, HOUSEPRICE_* environment variable, config file then flag default.
func initConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("houseprice")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.SetConfigName("houseprice")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	} else {
		log.Println("using config file", viper.ConfigFileUsed())
	}
	return nil
}

// dataset options from the command line flags
func dataOptions() houses.Options {
	opts := houses.DefaultOptions
	opts.DataDir = viper.GetString("data")
	opts.Seed = viper.GetInt64("seed")
	opts.Threads = viper.GetInt("threads")
	if viper.IsSet("tile-size") {
		opts.TileSize = viper.GetInt("tile-size")
	}
	if viper.IsSet("crop") {
		opts.Crop = viper.GetInt("crop")
	}
	return opts
}

func main() {
	log.SetFlags(0)
	nnet.CheckErr(rootCmd.Execute())
}
