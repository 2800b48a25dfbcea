package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/nnet"
	"github.com/jnb666/houseprice/num"
	"github.com/jnb666/houseprice/report"
	"github.com/jnb666/houseprice/web"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "fine tune the pretrained model on the training set and evaluate on the test set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := trainConfig()
		if err != nil {
			return err
		}
		return train(conf, dataOptions(), viper.GetString("out"))
	},
}

func init() {
	conf := nnet.DefaultConfig
	flags := trainCmd.Flags()
	flags.String("net", "", "load training config from JSON file instead of flags")
	flags.String("model", conf.Model, fmt.Sprintf("backbone architecture %v", nnet.ArchNames()))
	flags.String("model-dir", "models", "directory with pretrained backbone weights")
	flags.String("out", "houseprice", "output file prefix for the model, weights and plot")
	flags.Int("epochs", conf.MaxEpoch, "max epochs")
	flags.Float64("eta", conf.Eta, "learning rate")
	flags.Float64("eta-decay", conf.EtaDecay, "learning rate decay factor")
	flags.Int("eta-step", conf.EtaDecayStep, "epochs between learning rate decay")
	flags.Float64("momentum", conf.Momentum, "momentum for sgd")
	flags.Float64("lambda", conf.Lambda, "weight decay")
	flags.Int("batch", conf.TrainBatch, "train batch size")
	flags.Int("test-batch", conf.TestBatch, "test and validation batch size")
	flags.Int("stop-after", conf.StopAfter, "stop if no improvement in validation loss after n epochs")
	flags.Bool("freeze", conf.FreezeGrads, "do not update the backbone weights")
	flags.Bool("profile", conf.Profile, "print profiling info")
	flags.Int("tile-size", houses.DefaultOptions.TileSize, "size of each of the 2x2 image tiles")
	flags.Int("crop", houses.DefaultOptions.Crop, "size of the cropped network input")
	flags.String("serve", "", "address for the web monitor, e.g. :8080")
	flags.String("user", "", "user name for web monitor basic auth")
	flags.String("password", "", "password for web monitor basic auth")
}

// training config from the flags, or the -net file if given.
func trainConfig() (nnet.Config, error) {
	conf := nnet.DefaultConfig
	if file := viper.GetString("net"); file != "" {
		var err error
		if conf, err = nnet.LoadConfig(file); err != nil {
			return conf, err
		}
		conf.Layers = nil
	} else {
		conf.Model = viper.GetString("model")
		conf.MaxEpoch = viper.GetInt("epochs")
		conf.Eta = viper.GetFloat64("eta")
		conf.EtaDecay = viper.GetFloat64("eta-decay")
		conf.EtaDecayStep = viper.GetInt("eta-step")
		conf.Momentum = viper.GetFloat64("momentum")
		conf.Lambda = viper.GetFloat64("lambda")
		conf.TrainBatch = viper.GetInt("batch")
		conf.TestBatch = viper.GetInt("test-batch")
		conf.StopAfter = viper.GetInt("stop-after")
		conf.FreezeGrads = viper.GetBool("freeze")
		conf.Profile = viper.GetBool("profile")
	}
	conf.RandSeed = viper.GetInt64("seed")
	conf.Threads = viper.GetInt("threads")
	conf.DebugLevel = viper.GetInt("debug")
	return conf, nil
}

func train(conf nnet.Config, opts houses.Options, out string) error {
	records, split, err := loadSplit(opts)
	if err != nil {
		return err
	}
	dev := num.NewDevice()
	q := dev.NewQueue(conf.Threads)
	defer q.Shutdown()
	q.Profiling(conf.Profile)
	log.Printf("load images from %s: tile=%d input=%d", opts.DataDir, opts.TileSize, opts.InputSize())
	trainData, trainSet, err := loadDataset(dev, "train", records, split, opts, conf.TrainBatch)
	if err != nil {
		return err
	}
	defer trainSet.Release()
	validData, validSet, err := loadDataset(dev, "valid", records, split, opts, conf.TestBatch)
	if err != nil {
		return err
	}
	defer validSet.Release()

	conf.RandSeed = nnet.SetSeed(conf.RandSeed)
	rng := rand.New(rand.NewSource(conf.RandSeed))
	mopts := nnet.ModelOptions{NumClasses: 1, ModelDir: viper.GetString("model-dir"), InShape: trainSet.Shape()}
	net, err := nnet.NewModel(q, conf, mopts, rng)
	if err != nil {
		return err
	}
	fmt.Println(net)

	var test nnet.StatsTester = nnet.NewTestLogger(validSet)
	if addr := viper.GetString("serve"); addr != "" {
		mon := web.NewMonitor(test, net.Config)
		data := map[string]*houses.Dataset{"train": trainData, "valid": validData}
		wopts := web.Options{Addr: addr, User: viper.GetString("user"), Password: viper.GetString("password")}
		router, err := web.NewRouter(mon, net.Config, opts, data, wopts)
		if err != nil {
			return err
		}
		srv := web.Serve(addr, router)
		defer func() {
			mon.Close()
			srv.Shutdown(context.Background())
		}()
		test = mon
	}
	if err = nnet.Train(net, trainSet, test); err != nil {
		return err
	}
	if conf.Profile {
		fmt.Printf("== Profile ==\n%s\n", q.Profile())
	}
	if err = nnet.SaveModel(net, out); err != nil {
		return err
	}
	plotFile := out + "_loss.png"
	log.Println("saving loss plot to", plotFile)
	if err = report.LossPlot(test.History()).Save(plotFile); err != nil {
		return err
	}
	return evaluate(net, records, split, opts)
}
