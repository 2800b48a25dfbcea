// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jnb666/houseprice/num"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers  []Layer
	queue   num.Queue
	inShape []int
	grad    num.Array
	loss    num.Array
}

// New function creates a new network with the given layers, inShape is the shape of one input sample.
func New(queue num.Queue, conf Config, inShape []int) *Network {
	n := &Network{Config: conf, queue: queue, inShape: inShape}
	n.Layers = initLayers(queue, inShape, conf.Layers)
	n.loss = queue.NewArray()
	return n
}

// Queue used to run the network operations
func (n *Network) Queue() num.Queue {
	return n.queue
}

// Shape of each input sample
func (n *Network) InShape() []int {
	return n.inShape
}

// Shape of each output
func (n *Network) OutShape() []int {
	return outShape(n.inShape, n.Layers)
}

// Initialise network weights from a random normal distribution.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, l := range n.ParamLayers() {
		l.InitParams(rng)
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// ParamLayers returns the layers with weights in order including those nested within residual layers.
func (n *Network) ParamLayers() []ParamLayer {
	return paramLayers(n.Layers)
}

func paramLayers(layers []Layer) (list []ParamLayer) {
	for _, layer := range layers {
		if l, ok := layer.(ParamLayer); ok {
			list = append(list, l)
		}
		if l, ok := layer.(Container); ok {
			list = append(list, paramLayers(l.Children())...)
		}
	}
	return list
}

// Feed forward the input to get the predicted output, if train is set then batch norm layers use the
// batch statistics.
func (n *Network) Fprop(input num.Array, train bool) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred, train)
	}
	return pred
}

// Back propagate the gradient of the loss through each layer.
func (n *Network) Bprop(grad num.Array) {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(grad)
		if n.DebugLevel >= 3 {
			fmt.Printf("layer %d bprop output:\n%s", i, grad.String(n.queue))
		}
	}
}

// Calculate the root mean square error between the predicted and target values. If withGrad is set
// then the returned gradient can be passed to Bprop.
func (n *Network) Loss(yPred, y num.Array, withGrad bool) (loss float64, grad num.Array) {
	if withGrad {
		n.grad = batchArray(n.queue, n.grad, yPred.Dims()[0], yPred.Dims()[1:])
		grad = n.grad.Head(yPred.Dims()[0])
	}
	val := []float32{0}
	n.queue.Call(
		num.RMSELoss(yPred, y, grad, n.loss),
		num.Read(n.loss, val),
	).Finish()
	return float64(val[0]), grad
}

// Update weights of all the parameter layers.
func (n *Network) Update(learningRate float64) {
	for _, l := range n.ParamLayers() {
		l.UpdateParams(float32(learningRate), float32(n.Momentum), float32(n.Lambda))
	}
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), shape)
		shape = layer.OutShape()
	}
	return fmt.Sprintf("%s\n== Network ==\n%s\n      => %v", n.Config.configString(), strings.Join(s, "\n"), shape)
}

// Print network weights
func (n *Network) PrintWeights() {
	for i, l := range n.ParamLayers() {
		W, B := l.Params()
		fmt.Printf("== Layer %d weights ==\n%s", i, W.String(n.queue))
		if B != nil {
			fmt.Printf(" %s", B.String(n.queue))
		}
		fmt.Println()
	}
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) int64 {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	log.Println("random seed =", seed)
	return seed
}

// Check if file exists
func FileExists(file string) bool {
	_, err := os.Stat(file)
	return err == nil
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
