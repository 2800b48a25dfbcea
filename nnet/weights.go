package nnet

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/jnb666/houseprice/num"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// LayerData holds the parameters for one ParamLayer. Layer is the index into Network.ParamLayers.
type LayerData struct {
	Layer   int
	Weights []float32
	Biases  []float32
	Mean    []float32
	Var     []float32
}

// Export current weights from the network
func (n *Network) Export() []LayerData {
	params := []LayerData{}
	for i, l := range n.ParamLayers() {
		W, B := l.Params()
		d := LayerData{Layer: i, Weights: make([]float32, W.Size())}
		n.queue.Call(num.Read(W, d.Weights))
		if B != nil {
			d.Biases = make([]float32, B.Size())
			n.queue.Call(num.Read(B, d.Biases))
		}
		if s, ok := l.(StatsLayer); ok {
			mean, variance := s.RunStats()
			d.Mean = make([]float32, mean.Size())
			d.Var = make([]float32, variance.Size())
			n.queue.Call(num.Read(mean, d.Mean), num.Read(variance, d.Var))
		}
		params = append(params, d)
	}
	n.queue.Finish()
	return params
}

// Import weights into the network. Only entries with Layer less than maxLayer are loaded,
// or all of them if maxLayer <= 0.
func (n *Network) Import(params []LayerData, maxLayer int) error {
	layers := n.ParamLayers()
	for _, p := range params {
		if maxLayer > 0 && p.Layer >= maxLayer {
			continue
		}
		if p.Layer < 0 || p.Layer >= len(layers) {
			return fmt.Errorf("layer %d import error: network has %d param layers total", p.Layer, len(layers))
		}
		layer := layers[p.Layer]
		W, B := layer.Params()
		bsize := 0
		if B != nil {
			bsize = B.Size()
		}
		if W.Size() != len(p.Weights) || bsize != len(p.Biases) {
			return fmt.Errorf("layer %d import error: size mismatch - have %d %d - expect %d %d",
				p.Layer, len(p.Weights), len(p.Biases), W.Size(), bsize)
		}
		n.queue.Call(num.Write(W, p.Weights))
		if B != nil {
			n.queue.Call(num.Write(B, p.Biases))
		}
		if s, ok := layer.(StatsLayer); ok && p.Mean != nil {
			mean, variance := s.RunStats()
			if mean.Size() != len(p.Mean) || variance.Size() != len(p.Var) {
				return fmt.Errorf("layer %d import error: running stats size mismatch", p.Layer)
			}
			n.queue.Call(num.Write(mean, p.Mean), num.Write(variance, p.Var))
		}
	}
	n.queue.Finish()
	return nil
}

// Save weights in gob format, compressed if the file name has a .xz extension.
func SaveWeights(file string, params []LayerData) (err error) {
	f, err := os.Create(file)
	if err != nil {
		return errors.Wrap(err, "save weights")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	log.Println("saving weights to", file)
	w := bufio.NewWriter(f)
	var out io.Writer = w
	var zw *xz.Writer
	if strings.HasSuffix(file, ".xz") {
		if zw, err = xz.NewWriter(w); err != nil {
			return errors.Wrap(err, "save weights")
		}
		out = zw
	}
	if err = gob.NewEncoder(out).Encode(params); err != nil {
		return errors.Wrapf(err, "encode weights %s", file)
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return errors.Wrap(err, "save weights")
		}
	}
	return w.Flush()
}

// Load weights saved with SaveWeights
func LoadWeights(file string) ([]LayerData, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, "load weights")
	}
	defer f.Close()
	log.Println("loading weights from", file)
	var in io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(file, ".xz") {
		if in, err = xz.NewReader(in); err != nil {
			return nil, errors.Wrapf(err, "load weights %s", file)
		}
	}
	var params []LayerData
	if err = gob.NewDecoder(in).Decode(&params); err != nil {
		return nil, errors.Wrapf(err, "decode weights %s", file)
	}
	return params, nil
}
