package main

import (
	"log"
	"math/rand"
	"path/filepath"

	"github.com/jnb666/houseprice/houses"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare <source dir>",
	Short: "split the raw dataset and copy the images to the data directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := args[0]
		opts := dataOptions()
		records, err := houses.ReadInfo(filepath.Join(src, houses.InfoFile))
		if err != nil {
			return err
		}
		log.Printf("read %d houses from %s", len(records), src)
		rng := rand.New(rand.NewSource(opts.Seed))
		split := houses.NewSplit(houses.IDs(records), viper.GetFloat64("test-frac"), viper.GetFloat64("valid-frac"), rng)
		log.Printf("split: train=%d test=%d valid=%d", len(split.Train), len(split.Test), len(split.Valid))
		n, err := houses.Prepare(src, opts.DataDir, split)
		if err != nil {
			return err
		}
		log.Printf("copied %d images to %s", n, opts.DataDir)
		return houses.SaveSplit(filepath.Join(opts.DataDir, houses.SplitFile), split)
	},
}

func init() {
	flags := prepareCmd.Flags()
	flags.Float64("test-frac", houses.DefaultOptions.TestFrac, "fraction of houses in the test set")
	flags.Float64("valid-frac", houses.DefaultOptions.ValidFrac, "fraction of the remaining houses in the validation set")
}
