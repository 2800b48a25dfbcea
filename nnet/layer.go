package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/jnb666/houseprice/num"
)

// Layer interface type represents one layer of the neural net. Shapes exclude the batch dimension.
type Layer interface {
	Init(q num.Queue, inShape []int) Layer
	InShape() []int
	OutShape() []int
	Fprop(in num.Array, train bool) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
	UpdateParams(learningRate, momentum, weightDecay float32)
	Freeze(noGrad bool)
	Frozen() bool
	NoGrad() bool
}

// StatsLayer is a layer which also holds running statistics, such as batch normalisation.
type StatsLayer interface {
	RunStats() (mean, variance num.Array)
}

// Container is a layer made up of other layers.
type Container interface {
	Children() []Layer
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() Layer {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "pool":
		cfg := new(Pool)
		return cfg.unmarshal(l.Data)
	case "batchNorm":
		return &batchNorm{}
	case "linear":
		cfg := new(Linear)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "flatten":
		return &flatten{}
	case "residual":
		cfg := new(Residual)
		return cfg.unmarshal(l.Data)
	default:
		panic("invalid layer type: " + l.Type)
	}
}

func (l LayerConfig) String() string {
	return l.Unmarshal().ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
	NoBias                    bool
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &conv{Conv: *c}
}

// Max or average pooling layer. A Size of zero pools over the whole of each feature map.
type Pool struct {
	Size, Stride int
	Average      bool
}

func (c Pool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "pool", Data: marshal(c)}
}

func (c Pool) ToString() string {
	return fmt.Sprintf("pool %+v", c)
}

func (c *Pool) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &pool{Pool: *c}
}

// Batch normalisation layer, normalises each channel of a feature map or each input of a linear layer.
type BatchNorm struct{}

func (c BatchNorm) Marshal() LayerConfig {
	return LayerConfig{Type: "batchNorm"}
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &linear{Linear: *c}
}

// Sigmoid, tanh or relu activation layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	layer := &activation{Activation: *c}
	switch c.Atype {
	case "sigmoid":
		layer.activ = num.Sigmoid
		layer.deriv = num.SigmoidD
	case "tanh":
		layer.activ = num.Tanh
		layer.deriv = num.TanhD
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	default:
		panic(fmt.Sprintf("activation type %s invalid", c.Atype))
	}
	return layer
}

// Flatten layer reshapes a feature map to a vector.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// Residual layer adds the output of the Block layers to its input, or to the output of the
// Shortcut layers if they are set.
type Residual struct {
	Block    []LayerConfig
	Shortcut []LayerConfig `json:",omitempty"`
}

// Create a new residual layer config
func NewResidual(block []ConfigLayer, shortcut ...ConfigLayer) Residual {
	var r Residual
	for _, l := range block {
		r.Block = append(r.Block, l.Marshal())
	}
	for _, l := range shortcut {
		r.Shortcut = append(r.Shortcut, l.Marshal())
	}
	return r
}

func (c Residual) Marshal() LayerConfig {
	return LayerConfig{Type: "residual", Data: marshal(c)}
}

func (c Residual) ToString() string {
	str := func(list []LayerConfig) string {
		s := make([]string, len(list))
		for i, l := range list {
			s[i] = l.String()
		}
		return strings.Join(s, ", ")
	}
	if len(c.Shortcut) == 0 {
		return fmt.Sprintf("residual [%s]", str(c.Block))
	}
	return fmt.Sprintf("residual [%s] shortcut [%s]", str(c.Block), str(c.Shortcut))
}

func (c *Residual) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &residual{Residual: *c}
}

// convolutional layer implementation
type conv struct {
	Conv
	layerBase
	paramBase
	layer *num.Conv
}

func (l *conv) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("Conv: expect 3 dimensional input, got %v", inShape))
	}
	l.layer = num.NewConv(inShape[0], inShape[1], inShape[2], l.Nfeats, l.Size, l.Stride, l.Pad)
	l.layerBase = newLayerBase(q, inShape, l.layer.OutShape())
	var bShape []int
	if !l.NoBias {
		bShape = l.layer.BiasShape()
	}
	l.paramBase = newParams(q, l.layer.FilterShape(), bShape, l.layer.Depth*l.Size*l.Size)
	return l
}

func (l *conv) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	dst := l.output(in)
	l.que.Call(l.layer.Fprop(in, l.w, l.b, dst))
	return dst
}

func (l *conv) Bprop(grad num.Array) num.Array {
	dsrc := l.inputGrad(grad)
	l.que.Call(
		l.layer.BpropFilter(l.src, grad, l.dw, l.db),
		l.layer.BpropData(l.w, grad, dsrc),
	)
	return dsrc
}

// pooling layer implementation
type pool struct {
	Pool
	layerBase
	layer *num.Pool
}

func (l *pool) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("Pool: expect 3 dimensional input, got %v", inShape))
	}
	size, stride := l.Size, l.Stride
	if size == 0 {
		size = max(inShape[1], inShape[2])
		stride = size
	}
	l.layer = num.NewPool(inShape[0], inShape[1], inShape[2], size, stride, l.Average)
	l.layerBase = newLayerBase(q, inShape, l.layer.OutShape())
	return l
}

func (l *pool) Fprop(in num.Array, train bool) num.Array {
	dst := l.output(in)
	l.que.Call(l.layer.Fprop(in, dst))
	return dst
}

func (l *pool) Bprop(grad num.Array) num.Array {
	dsrc := l.inputGrad(grad)
	l.que.Call(l.layer.Bprop(grad, dsrc))
	return dsrc
}

// batch normalisation layer implementation, gamma and beta are stored as the weights and biases.
type batchNorm struct {
	layerBase
	paramBase
	layer   *num.BatchNorm
	runMean num.Array
	runVar  num.Array
}

func (l *batchNorm) ToString() string { return "batchNorm" }

func (l *batchNorm) Init(q num.Queue, inShape []int) Layer {
	switch len(inShape) {
	case 1:
		l.layer = num.NewBatchNorm(inShape[0], 1)
	case 3:
		l.layer = num.NewBatchNorm(inShape[0], inShape[1]*inShape[2])
	default:
		panic(fmt.Sprintf("BatchNorm: invalid input shape %v", inShape))
	}
	l.layerBase = newLayerBase(q, inShape, inShape)
	l.paramBase = newParams(q, []int{l.layer.Channels}, []int{l.layer.Channels}, 1)
	l.runMean = q.NewArray(l.layer.Channels)
	l.runVar = q.NewArray(l.layer.Channels)
	l.InitParams(nil)
	return l
}

func (l *batchNorm) InitParams(rng *rand.Rand) {
	l.que.Call(
		num.Fill(l.w, 1),
		num.Fill(l.b, 0),
		num.Fill(l.runMean, 0),
		num.Fill(l.runVar, 1),
	)
}

func (l *batchNorm) RunStats() (mean, variance num.Array) {
	return l.runMean, l.runVar
}

func (l *batchNorm) Fprop(in num.Array, train bool) num.Array {
	dst := l.output(in)
	l.que.Call(l.layer.Fprop(in, l.w, l.b, l.runMean, l.runVar, dst, train))
	return dst
}

func (l *batchNorm) Bprop(grad num.Array) num.Array {
	dsrc := l.inputGrad(grad)
	l.que.Call(l.layer.Bprop(grad, l.w, l.dw, l.db, dsrc))
	return dsrc
}

// linear layer implementation, weights have shape [nout, nin]
type linear struct {
	Linear
	layerBase
	paramBase
}

func (l *linear) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 1 {
		panic(fmt.Sprintf("Linear: expect 1 dimensional input, got %v", inShape))
	}
	l.layerBase = newLayerBase(q, inShape, []int{l.Nout})
	l.paramBase = newParams(q, []int{l.Nout, inShape[0]}, []int{l.Nout}, inShape[0])
	return l
}

func (l *linear) Fprop(in num.Array, train bool) num.Array {
	l.src = in.Reshape(in.Dims()[0], l.inShape[0])
	dst := l.output(in)
	l.que.Call(
		num.Copy(dst, l.b),
		num.Gemm(1, 1, l.src, l.w, dst, num.NoTrans, num.Trans),
	)
	return dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	dsrc := l.inputGrad(grad)
	l.que.Call(
		num.SumRows(1, 0, grad, l.db),
		num.Gemm(1, 0, grad, l.src, l.dw, num.Trans, num.NoTrans),
		num.Gemm(1, 0, grad, l.w, dsrc, num.NoTrans, num.NoTrans),
	)
	return dsrc
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
}

func (l *activation) Init(q num.Queue, inShape []int) Layer {
	l.layerBase = newLayerBase(q, inShape, inShape)
	return l
}

func (l *activation) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	dst := l.output(in)
	l.que.Call(l.activ(l.src, dst))
	return dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	dsrc := l.inputGrad(grad)
	l.que.Call(l.deriv(l.src, grad, dsrc))
	return dsrc
}

type flatten struct {
	layerBase
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) Init(q num.Queue, inShape []int) Layer {
	l.layerBase = newLayerBase(q, inShape, []int{num.Prod(inShape)})
	return l
}

func (l *flatten) Fprop(in num.Array, train bool) num.Array {
	return in.Reshape(in.Dims()[0], l.outShape[0])
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	return grad.Reshape(append([]int{grad.Dims()[0]}, l.inShape...)...)
}

// residual layer implementation
type residual struct {
	Residual
	layerBase
	block    []Layer
	shortcut []Layer
}

func (l *residual) Init(q num.Queue, inShape []int) Layer {
	l.block = initLayers(q, inShape, l.Block)
	l.shortcut = initLayers(q, inShape, l.Shortcut)
	oshape := outShape(inShape, l.block)
	if sc := outShape(inShape, l.shortcut); !num.SameShape(oshape, sc) {
		panic(fmt.Sprintf("Residual: block output %v does not match shortcut %v", oshape, sc))
	}
	l.layerBase = newLayerBase(q, inShape, oshape)
	return l
}

func (l *residual) Children() []Layer {
	return append(append([]Layer{}, l.block...), l.shortcut...)
}

func (l *residual) Fprop(in num.Array, train bool) num.Array {
	x := in
	for _, layer := range l.block {
		x = layer.Fprop(x, train)
	}
	y := in
	for _, layer := range l.shortcut {
		y = layer.Fprop(y, train)
	}
	dst := l.output(in)
	l.que.Call(num.Add(x, y, dst))
	return dst
}

func (l *residual) Bprop(grad num.Array) num.Array {
	x := grad
	for i := len(l.block) - 1; i >= 0; i-- {
		x = l.block[i].Bprop(x)
	}
	y := grad
	for i := len(l.shortcut) - 1; i >= 0; i-- {
		y = l.shortcut[i].Bprop(y)
	}
	dsrc := l.inputGrad(grad)
	l.que.Call(num.Add(x, y, dsrc))
	return dsrc
}

func initLayers(q num.Queue, inShape []int, config []LayerConfig) []Layer {
	layers := make([]Layer, len(config))
	shape := inShape
	for i, cfg := range config {
		layers[i] = cfg.Unmarshal().Init(q, shape)
		shape = layers[i].OutShape()
	}
	return layers
}

func outShape(inShape []int, layers []Layer) []int {
	if len(layers) == 0 {
		return inShape
	}
	return layers[len(layers)-1].OutShape()
}

// base layer type, output and gradient buffers are allocated on demand for the largest batch seen
type layerBase struct {
	que      num.Queue
	inShape  []int
	outShape []int
	src      num.Array
	dst      num.Array
	dsrc     num.Array
}

func newLayerBase(q num.Queue, inShape, outShape []int) layerBase {
	return layerBase{que: q, inShape: inShape, outShape: outShape}
}

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) output(in num.Array) num.Array {
	l.dst = batchArray(l.que, l.dst, in.Dims()[0], l.outShape)
	return l.dst.Head(in.Dims()[0])
}

func (l *layerBase) inputGrad(grad num.Array) num.Array {
	l.dsrc = batchArray(l.que, l.dsrc, grad.Dims()[0], l.inShape)
	return l.dsrc.Head(grad.Dims()[0])
}

func batchArray(q num.Queue, a num.Array, n int, shape []int) num.Array {
	if a == nil || a.Dims()[0] < n {
		return q.NewArray(append([]int{n}, shape...)...)
	}
	return a
}

// weight and bias parameters with momentum velocity
type paramBase struct {
	queue  num.Queue
	w, b   num.Array
	dw, db num.Array
	vw, vb num.Array
	fanIn  int
	frozen bool
	noGrad bool
}

func newParams(q num.Queue, wShape, bShape []int, fanIn int) paramBase {
	p := paramBase{
		queue: q,
		w:     q.NewArray(wShape...),
		dw:    q.NewArray(wShape...),
		vw:    q.NewArray(wShape...),
		fanIn: fanIn,
	}
	if bShape != nil {
		p.b = q.NewArray(bShape...)
		p.db = q.NewArray(bShape...)
		p.vb = q.NewArray(bShape...)
	}
	return p
}

func (p *paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p *paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// Weights are initialised from a normal distribution scaled by sqrt(2/fanIn), biases to zero.
func (p *paramBase) InitParams(rng *rand.Rand) {
	scale := math.Sqrt(2 / float64(p.fanIn))
	weights := make([]float32, p.w.Size())
	for i := range weights {
		weights[i] = float32(rng.NormFloat64() * scale)
	}
	p.queue.Call(num.Write(p.w, weights), num.Fill(p.vw, 0))
	if p.b != nil {
		p.queue.Call(num.Fill(p.b, 0), num.Fill(p.vb, 0))
	}
}

func (p *paramBase) SetParams(W, B num.Array) {
	p.queue.Call(num.Copy(p.w, W))
	if p.b != nil && B != nil {
		p.queue.Call(num.Copy(p.b, B))
	}
}

// Frozen marks the layer as pretrained, noGrad also stops the optimiser from updating it.
func (p *paramBase) Freeze(noGrad bool) {
	p.frozen = true
	p.noGrad = noGrad
}

func (p *paramBase) Frozen() bool { return p.frozen }

func (p *paramBase) NoGrad() bool { return p.noGrad }

// SGD with momentum: v <- momentum*v - eta*(dw + decay*w), w <- w + v
func (p *paramBase) UpdateParams(learningRate, momentum, weightDecay float32) {
	if p.noGrad {
		return
	}
	if weightDecay != 0 {
		p.queue.Call(num.Axpy(weightDecay, p.w, p.dw))
	}
	p.queue.Call(
		num.Scale(momentum, p.vw),
		num.Axpy(-learningRate, p.dw, p.vw),
		num.Axpy(1, p.vw, p.w),
	)
	if p.b != nil {
		p.queue.Call(
			num.Scale(momentum, p.vb),
			num.Axpy(-learningRate, p.db, p.vb),
			num.Axpy(1, p.vb, p.b),
		)
	}
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) {
	err := json.Unmarshal(data, v)
	if err != nil {
		panic(err)
	}
}
