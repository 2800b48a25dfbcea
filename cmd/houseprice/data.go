package main

import (
	"math/rand"
	"path/filepath"

	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/nnet"
	"github.com/jnb666/houseprice/num"
)

// metadata and split assignment from the prepared data directory
func loadSplit(opts houses.Options) ([]houses.Record, houses.Split, error) {
	records, err := houses.ReadInfo(filepath.Join(opts.DataDir, houses.InfoFile))
	if err != nil {
		return nil, houses.Split{}, err
	}
	split, err := houses.LoadSplit(filepath.Join(opts.DataDir, houses.SplitFile))
	return records, split, err
}

// load the images for the named split and wrap in a dataset with the given batch size
func loadDataset(dev num.Device, name string, records []houses.Record, split houses.Split, opts houses.Options, batch int) (*houses.Dataset, *nnet.Dataset, error) {
	d, err := houses.NewDataset(name, split.Get(name), records, opts)
	if err != nil {
		return nil, nil, err
	}
	if err = d.Load(); err != nil {
		return nil, nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	return d, nnet.NewDataset(dev, name, d, batch, rng), nil
}
