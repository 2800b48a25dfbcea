package main

import (
	"fmt"

	"github.com/jnb666/houseprice/houses"
	"github.com/spf13/cobra"
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "fit a linear model to the house metadata as a reference for the image model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, split, err := loadSplit(dataOptions())
		if err != nil {
			return err
		}
		b, err := houses.FitBaseline(records, split.Train)
		if err != nil {
			return err
		}
		fmt.Printf("baseline coefficients: %.4g\n", b.Coef)
		for _, name := range houses.SplitNames {
			fmt.Printf("%-5s RMSE(log price) = %.4f\n", name, b.RMSE(records, split.Get(name)))
		}
		return nil
	},
}
