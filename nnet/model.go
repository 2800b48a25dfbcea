package nnet

import (
	"log"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/jnb666/houseprice/num"
	"github.com/pkg/errors"
)

// Number of outputs of the classification layer of each backbone as pretrained.
const BackboneClasses = 1000

var ErrUnknownArch = errors.New("unknown architecture")

// Architectures maps the model name to a function returning the backbone layers, ending with a
// classification Linear layer with nout outputs.
var Architectures = map[string]func(nout int) []ConfigLayer{
	"simplecnn": simpleCNN,
	"resnet8":   func(nout int) []ConfigLayer { return resNet(1, nout) },
	"resnet14":  func(nout int) []ConfigLayer { return resNet(2, nout) },
}

// Sorted list of architecture names
func ArchNames() []string {
	names := make([]string, 0, len(Architectures))
	for name := range Architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func convBlock(nfeats int) []ConfigLayer {
	return []ConfigLayer{
		Conv{Nfeats: nfeats, Size: 3, Pad: 1, NoBias: true},
		BatchNorm{},
		Activation{Atype: "relu"},
	}
}

func simpleCNN(nout int) []ConfigLayer {
	var layers []ConfigLayer
	layers = append(layers, convBlock(16)...)
	layers = append(layers, Pool{Size: 2})
	layers = append(layers, convBlock(32)...)
	layers = append(layers, Pool{Size: 2})
	layers = append(layers, convBlock(64)...)
	return append(layers, Pool{Average: true}, Flatten{}, Linear{Nout: nout})
}

// basic residual block with two 3x3 convolutions, shortcut projection if the shape changes
func resBlock(nin, nfeats, stride int) []ConfigLayer {
	block := []ConfigLayer{
		Conv{Nfeats: nfeats, Size: 3, Stride: stride, Pad: 1, NoBias: true},
		BatchNorm{},
		Activation{Atype: "relu"},
		Conv{Nfeats: nfeats, Size: 3, Pad: 1, NoBias: true},
		BatchNorm{},
	}
	var res Residual
	if stride != 1 || nin != nfeats {
		res = NewResidual(block, Conv{Nfeats: nfeats, Size: 1, Stride: stride, NoBias: true}, BatchNorm{})
	} else {
		res = NewResidual(block)
	}
	return []ConfigLayer{res, Activation{Atype: "relu"}}
}

func resNet(blocks, nout int) []ConfigLayer {
	layers := []ConfigLayer{
		Conv{Nfeats: 16, Size: 5, Stride: 2, Pad: 2, NoBias: true},
		BatchNorm{},
		Activation{Atype: "relu"},
		Pool{Size: 2},
	}
	nin := 16
	for i, nfeats := range []int{16, 32, 64} {
		for j := 0; j < blocks; j++ {
			stride := 1
			if i > 0 && j == 0 {
				stride = 2
			}
			layers = append(layers, resBlock(nin, nfeats, stride)...)
			nin = nfeats
		}
	}
	return append(layers, Pool{Average: true}, Flatten{}, Linear{Nout: nout})
}

// Options for building a new model
type ModelOptions struct {
	NumClasses int
	ModelDir   string
	InShape    []int
}

// Weights file for the pretrained backbone, empty if not found.
func PretrainedFile(dir, arch string) string {
	for _, ext := range []string{".weights.xz", ".weights"} {
		file := filepath.Join(dir, arch+ext)
		if FileExists(file) {
			return file
		}
	}
	return ""
}

// BackboneConfig returns conf with the layers for the conf.Model backbone and the index of the
// final classification layer.
func BackboneConfig(conf Config) (Config, int, error) {
	arch, ok := Architectures[conf.Model]
	if !ok {
		return conf, 0, errors.Wrap(ErrUnknownArch, conf.Model)
	}
	conf.Layers = nil
	conf = conf.AddLayers(arch(BackboneClasses)...)
	last := len(conf.Layers) - 1
	for last >= 0 && conf.Layers[last].Type != "linear" {
		last--
	}
	if last < 0 {
		return conf, 0, errors.Errorf("%s: no linear output layer", conf.Model)
	}
	return conf, last, nil
}

// HeadConfig returns the config with the backbone classification layer replaced by the
// regression head: batch norm, relu and linear with nout outputs.
func HeadConfig(conf Config, nout int) (Config, error) {
	backbone, last, err := BackboneConfig(conf)
	if err != nil {
		return conf, err
	}
	conf.Layers = append([]LayerConfig{}, backbone.Layers[:last]...)
	return conf.AddLayers(BatchNorm{}, Activation{Atype: "relu"}, Linear{Nout: nout}), nil
}

// NewModel builds the backbone for conf.Model and loads pretrained weights from opts.ModelDir if
// present. Each backbone layer is marked as frozen and the final classification layer is replaced
// with a regression head: batch norm, relu and linear with NumClasses outputs.
func NewModel(q num.Queue, conf Config, opts ModelOptions, rng *rand.Rand) (*Network, error) {
	backbone, last, err := BackboneConfig(conf)
	if err != nil {
		return nil, err
	}
	base := New(q, backbone, opts.InShape)
	base.InitWeights(rng)
	if file := PretrainedFile(opts.ModelDir, conf.Model); file != "" {
		params, err := LoadWeights(file)
		if err != nil {
			return nil, err
		}
		if err = base.Import(params, 0); err != nil {
			return nil, errors.Wrapf(err, "import %s", file)
		}
	} else {
		log.Printf("warning: no pretrained weights for %s in %q - using random init", conf.Model, opts.ModelDir)
	}
	if conf.DebugLevel >= 1 {
		log.Printf("replace layer %d: %s with %d inputs", last, base.Layers[last].ToString(), base.Layers[last].InShape()[0])
	}
	if conf, err = HeadConfig(conf, opts.NumClasses); err != nil {
		return nil, err
	}
	net := New(q, conf, opts.InShape)
	net.InitWeights(rng)
	frozen := len(base.ParamLayers()) - 1
	if err := net.Import(base.Export(), frozen); err != nil {
		return nil, err
	}
	for _, l := range net.ParamLayers()[:frozen] {
		l.Freeze(conf.FreezeGrads)
	}
	return net, nil
}

// Load a trained network given the config and weights files
func LoadModel(q num.Queue, configFile, weightsFile string, inShape []int) (*Network, error) {
	conf, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	net := New(q, conf, inShape)
	params, err := LoadWeights(weightsFile)
	if err != nil {
		return nil, err
	}
	if err = net.Import(params, 0); err != nil {
		return nil, errors.Wrapf(err, "import %s", weightsFile)
	}
	return net, nil
}

// Save the network config to prefix.net and the weights to prefix.weights.xz
func SaveModel(net *Network, prefix string) error {
	if err := net.Config.Save(prefix + ".net"); err != nil {
		return err
	}
	return SaveWeights(prefix+".weights.xz", net.Export())
}
