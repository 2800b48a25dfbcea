package main

import (
	"fmt"
	"log"

	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/nnet"
	"github.com/jnb666/houseprice/num"
	"github.com/jnb666/houseprice/report"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "evaluate a trained model on the test set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := dataOptions()
		records, split, err := loadSplit(opts)
		if err != nil {
			return err
		}
		prefix := viper.GetString("out")
		inShape := []int{3, opts.InputSize(), opts.InputSize()}
		q := num.NewDevice().NewQueue(viper.GetInt("threads"))
		defer q.Shutdown()
		net, err := nnet.LoadModel(q, prefix+".net", prefix+".weights.xz", inShape)
		if err != nil {
			return err
		}
		net.TestBatch = viper.GetInt("test-batch")
		return evaluate(net, records, split, opts)
	},
}

func init() {
	flags := evaluateCmd.Flags()
	flags.String("out", "houseprice", "file prefix of the trained model")
	flags.Int("test-batch", nnet.DefaultConfig.TestBatch, "test batch size")
	flags.Int("tile-size", houses.DefaultOptions.TileSize, "size of each of the 2x2 image tiles")
	flags.Int("crop", houses.DefaultOptions.Crop, "size of the cropped network input")
}

// run the network on the test set and print the summary compared to the baseline linear model.
func evaluate(net *nnet.Network, records []houses.Record, split houses.Split, opts houses.Options) error {
	testData, testSet, err := loadDataset(net.Queue().Dev(), "test", records, split, opts, net.TestBatch)
	if err != nil {
		return err
	}
	defer testSet.Release()
	loss, pred, err := nnet.Evaluate(net, testSet)
	if err != nil {
		return err
	}
	var baseRMSE float64
	if b, err := houses.FitBaseline(records, split.Train); err == nil {
		baseRMSE = b.RMSE(records, split.Test)
	} else {
		log.Println("warning:", err)
	}
	s, err := report.NewSummary(net.Model, testData.Prices, pred, loss, baseRMSE)
	if err != nil {
		return err
	}
	fmt.Print(s)
	return nil
}
