package houses

import (
	"image"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/jnb666/houseprice/img"
	"github.com/pkg/errors"
)

// Options for loading the dataset
type Options struct {
	DataDir     string
	TileSize    int
	Crop        int
	Seed        int64
	TestFrac    float64
	ValidFrac   float64
	ScaleFactor float64
	Jitter      img.Jitter
	Threads     int
}

// Default dataset options
var DefaultOptions = Options{
	DataDir:     "data",
	TileSize:    64,
	Crop:        112,
	Seed:        1,
	TestFrac:    0.1,
	ValidFrac:   0.1,
	ScaleFactor: 1,
	Jitter:      img.DefaultJitter,
}

// Size of the network input image
func (o Options) InputSize() int {
	if o.Crop <= 0 || o.Crop > 2*o.TileSize {
		return 2 * o.TileSize
	}
	return o.Crop
}

// Dataset maps a house id to its tiled and transformed image with label log(price).
// It implements the nnet.Data interface.
type Dataset struct {
	Name   string
	Dir    string
	IDs    []int
	Prices []float64
	// Stored with the dataset but not applied to the labels.
	ScaleFactor float64
	size        int
	images      []image.Image
	trans       *img.Transformer
	rng         *rand.Rand
}

// NewDataset creates the dataset for the named split reading the images from opts.DataDir/name.
// The training set uses color jitter and random crop, the others a center crop. All are
// normalised with the default channel statistics.
func NewDataset(name string, ids []int, records []Record, opts Options) (*Dataset, error) {
	d := &Dataset{
		Name:        name,
		Dir:         filepath.Join(opts.DataDir, name),
		IDs:         ids,
		Prices:      make([]float64, len(ids)),
		ScaleFactor: opts.ScaleFactor,
		size:        opts.TileSize,
		images:      make([]image.Image, len(ids)),
	}
	for i, id := range ids {
		if id < 1 || id > len(records) {
			return nil, errors.Errorf("%s dataset: house id %d out of range", name, id)
		}
		d.Prices[i] = records[id-1].Price
	}
	trans := img.TestTrans
	seed := opts.Seed
	for i, s := range SplitNames {
		if s == name {
			seed += int64(i)
		}
	}
	if name == "train" {
		trans = img.TrainTrans
	}
	d.trans = img.NewTransformer(trans, opts.InputSize(), opts.Jitter)
	if opts.Threads > 0 {
		d.trans.Threads = opts.Threads
	}
	d.rng = rand.New(rand.NewSource(seed))
	return d, nil
}

// Load reads the images for all of the houses.
func (d *Dataset) Load() error {
	for i := range d.IDs {
		if _, err := d.Image(i); err != nil {
			return err
		}
	}
	return nil
}

// Image returns the tiled image for sample ix, reading it from disk on first access.
func (d *Dataset) Image(ix int) (image.Image, error) {
	if d.images[ix] == nil {
		m, err := LoadTile(d.Dir, d.IDs[ix], d.size)
		if err != nil {
			return nil, errors.Wrapf(err, "%s dataset", d.Name)
		}
		d.images[ix] = m
	}
	return d.images[ix], nil
}

func (d *Dataset) Len() int { return len(d.IDs) }

func (d *Dataset) Shape() []int {
	w, h := d.trans.Size(image.Rect(0, 0, 2*d.size, 2*d.size))
	return []int{3, h, w}
}

// Label is the natural log of the house price.
func (d *Dataset) Label(index []int, label []float32) {
	for i, ix := range index {
		label[i] = float32(math.Log(d.Prices[ix]))
	}
}

// Input applies the transforms to each of the images and copies the pixels to buf.
func (d *Dataset) Input(index []int, buf []float32) error {
	images := make([]image.Image, len(index))
	for i, ix := range index {
		var err error
		if images[i], err = d.Image(ix); err != nil {
			return err
		}
	}
	shape := d.Shape()
	nfeat := shape[0] * shape[1] * shape[2]
	for i, m := range d.trans.TransformBatch(images, d.rng, nil) {
		copy(buf[i*nfeat:(i+1)*nfeat], m.Pix)
	}
	return nil
}

// Price converts a label or prediction back to a price.
func Price(label float32) float64 {
	return math.Exp(float64(label))
}
