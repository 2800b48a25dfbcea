package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv is a 2d convolution primitive for input arrays in [batch, channel, height, width] layout.
// Filters have shape [nFeats, depth*size*size] and bias has shape [nFeats].
type Conv struct {
	Depth, H, W  int
	Nfeats, Size int
	Stride, Pad  int
	OutH, OutW   int
}

// Create a new convolution primitive for the given input shape.
func NewConv(depth, h, w, nFeats, size, stride, pad int) *Conv {
	if stride < 1 {
		stride = 1
	}
	c := &Conv{Depth: depth, H: h, W: w, Nfeats: nFeats, Size: size, Stride: stride, Pad: pad}
	c.OutH = (h+2*pad-size)/stride + 1
	c.OutW = (w+2*pad-size)/stride + 1
	if c.OutH < 1 || c.OutW < 1 {
		panic(fmt.Sprintf("Conv: filter size %d too large for input %dx%d", size, h, w))
	}
	return c
}

func (c *Conv) InShape() []int { return []int{c.Depth, c.H, c.W} }

func (c *Conv) OutShape() []int { return []int{c.Nfeats, c.OutH, c.OutW} }

func (c *Conv) FilterShape() []int { return []int{c.Nfeats, c.Depth * c.Size * c.Size} }

func (c *Conv) BiasShape() []int { return []int{c.Nfeats} }

func (c *Conv) colSize() int { return c.Depth * c.Size * c.Size * c.OutH * c.OutW }

// unpack input patches to [depth*size*size, outH*outW] matrix
func (c *Conv) im2col(src, col []float32) {
	ncol := c.OutH * c.OutW
	for ch := 0; ch < c.Depth; ch++ {
		for ky := 0; ky < c.Size; ky++ {
			for kx := 0; kx < c.Size; kx++ {
				row := col[((ch*c.Size+ky)*c.Size+kx)*ncol:]
				for oy := 0; oy < c.OutH; oy++ {
					y := oy*c.Stride - c.Pad + ky
					for ox := 0; ox < c.OutW; ox++ {
						x := ox*c.Stride - c.Pad + kx
						if y < 0 || y >= c.H || x < 0 || x >= c.W {
							row[oy*c.OutW+ox] = 0
						} else {
							row[oy*c.OutW+ox] = src[(ch*c.H+y)*c.W+x]
						}
					}
				}
			}
		}
	}
}

// accumulate column matrix back to image
func (c *Conv) col2im(col, dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
	ncol := c.OutH * c.OutW
	for ch := 0; ch < c.Depth; ch++ {
		for ky := 0; ky < c.Size; ky++ {
			for kx := 0; kx < c.Size; kx++ {
				row := col[((ch*c.Size+ky)*c.Size+kx)*ncol:]
				for oy := 0; oy < c.OutH; oy++ {
					y := oy*c.Stride - c.Pad + ky
					if y < 0 || y >= c.H {
						continue
					}
					for ox := 0; ox < c.OutW; ox++ {
						x := ox*c.Stride - c.Pad + kx
						if x >= 0 && x < c.W {
							dst[(ch*c.H+y)*c.W+x] += row[oy*c.OutW+ox]
						}
					}
				}
			}
		}
	}
}

// Forward propagation: dst <- filter * src + bias, bias may be nil.
func (c *Conv) Fprop(src, filter, bias, dst Array) Function {
	n := src.Dims()[0]
	inSize, outSize := Prod(c.InShape()), Prod(c.OutShape())
	if src.Size() != n*inSize || dst.Size() != n*outSize {
		panic(fmt.Sprintf("Conv: invalid shapes src=%v dst=%v", src.Dims(), dst.Dims()))
	}
	k, ncol := c.Depth*c.Size*c.Size, c.OutH*c.OutW
	return args("conv_fprop", func(threads int) {
		cols := make([][]float32, threads)
		in, out, w := src.Data(), dst.Data(), filter.Data()
		parallel(threads, n, func(thread, i int) {
			if cols[thread] == nil {
				cols[thread] = make([]float32, c.colSize())
			}
			col := cols[thread]
			c.im2col(in[i*inSize:(i+1)*inSize], col)
			res := out[i*outSize : (i+1)*outSize]
			if bias != nil {
				b := bias.Data()
				for f := 0; f < c.Nfeats; f++ {
					row := res[f*ncol : (f+1)*ncol]
					for j := range row {
						row[j] = b[f]
					}
				}
				blas32.Implementation().Sgemm(blas.NoTrans, blas.NoTrans, c.Nfeats, ncol, k, 1, w, k, col, ncol, 1, res, ncol)
			} else {
				blas32.Implementation().Sgemm(blas.NoTrans, blas.NoTrans, c.Nfeats, ncol, k, 1, w, k, col, ncol, 0, res, ncol)
			}
		})
	})
}

// Backward propagation of gradient to the input: diffSrc <- filter' * diffDst
func (c *Conv) BpropData(filter, diffDst, diffSrc Array) Function {
	n := diffDst.Dims()[0]
	inSize, outSize := Prod(c.InShape()), Prod(c.OutShape())
	k, ncol := c.Depth*c.Size*c.Size, c.OutH*c.OutW
	return args("conv_bprop_data", func(threads int) {
		cols := make([][]float32, threads)
		grad, dsrc, w := diffDst.Data(), diffSrc.Data(), filter.Data()
		parallel(threads, n, func(thread, i int) {
			if cols[thread] == nil {
				cols[thread] = make([]float32, c.colSize())
			}
			col := cols[thread]
			blas32.Implementation().Sgemm(blas.Trans, blas.NoTrans, k, ncol, c.Nfeats, 1, w, k, grad[i*outSize:(i+1)*outSize], ncol, 0, col, ncol)
			c.col2im(col, dsrc[i*inSize:(i+1)*inSize])
		})
	})
}

// Backward propagation of gradient to the filter and bias: diffBias may be nil.
func (c *Conv) BpropFilter(src, diffDst, diffFilter, diffBias Array) Function {
	n := src.Dims()[0]
	inSize, outSize := Prod(c.InShape()), Prod(c.OutShape())
	k, ncol := c.Depth*c.Size*c.Size, c.OutH*c.OutW
	return args("conv_bprop_filter", func(threads int) {
		if threads > n {
			threads = n
		}
		cols := make([][]float32, threads)
		dws := make([][]float32, threads)
		in, grad := src.Data(), diffDst.Data()
		parallel(threads, n, func(thread, i int) {
			if cols[thread] == nil {
				cols[thread] = make([]float32, c.colSize())
				dws[thread] = make([]float32, c.Nfeats*k)
			}
			col := cols[thread]
			c.im2col(in[i*inSize:(i+1)*inSize], col)
			blas32.Implementation().Sgemm(blas.NoTrans, blas.Trans, c.Nfeats, k, ncol, 1, grad[i*outSize:(i+1)*outSize], ncol, col, ncol, 1, dws[thread], k)
		})
		dw := diffFilter.Data()
		for i := range dw {
			dw[i] = 0
		}
		for _, part := range dws {
			if part != nil {
				blas32.Implementation().Saxpy(len(dw), 1, part, 1, dw, 1)
			}
		}
		if diffBias != nil {
			db := diffBias.Data()
			for f := range db {
				db[f] = 0
			}
			for i := 0; i < n; i++ {
				for f := 0; f < c.Nfeats; f++ {
					var sum float32
					for _, v := range grad[i*outSize+f*ncol : i*outSize+(f+1)*ncol] {
						sum += v
					}
					db[f] += sum
				}
			}
		}
	})
}

// Pool is a max or average pooling primitive over each channel.
type Pool struct {
	Depth, H, W  int
	Size, Stride int
	OutH, OutW   int
	Average      bool
	mask         []int32
}

// Create a new pooling primitive, output size is rounded up so edge pixels are included.
func NewPool(depth, h, w, size, stride int, average bool) *Pool {
	if stride < 1 {
		stride = size
	}
	p := &Pool{Depth: depth, H: h, W: w, Size: size, Stride: stride, Average: average}
	p.OutH = (h-size+stride-1)/stride + 1
	p.OutW = (w-size+stride-1)/stride + 1
	if h < size || w < size {
		p.OutH, p.OutW = 1, 1
	}
	return p
}

func (p *Pool) InShape() []int { return []int{p.Depth, p.H, p.W} }

func (p *Pool) OutShape() []int { return []int{p.Depth, p.OutH, p.OutW} }

func (p *Pool) window(o, stride, size, max int) (int, int) {
	start := o * stride
	end := start + size
	if end > max {
		end = max
	}
	return start, end
}

// Forward propagation
func (p *Pool) Fprop(src, dst Array) Function {
	n := src.Dims()[0]
	inSize, outSize := Prod(p.InShape()), Prod(p.OutShape())
	if src.Size() != n*inSize || dst.Size() != n*outSize {
		panic(fmt.Sprintf("Pool: invalid shapes src=%v dst=%v", src.Dims(), dst.Dims()))
	}
	return args("pool_fprop", func(threads int) {
		if !p.Average && len(p.mask) < n*outSize {
			p.mask = make([]int32, n*outSize)
		}
		in, out := src.Data(), dst.Data()
		parallel(threads, n*p.Depth, func(thread, ix int) {
			plane := in[ix*p.H*p.W : (ix+1)*p.H*p.W]
			for oy := 0; oy < p.OutH; oy++ {
				y0, y1 := p.window(oy, p.Stride, p.Size, p.H)
				for ox := 0; ox < p.OutW; ox++ {
					x0, x1 := p.window(ox, p.Stride, p.Size, p.W)
					pos := ix*p.OutH*p.OutW + oy*p.OutW + ox
					if p.Average {
						var sum float32
						for y := y0; y < y1; y++ {
							for x := x0; x < x1; x++ {
								sum += plane[y*p.W+x]
							}
						}
						out[pos] = sum / float32((y1-y0)*(x1-x0))
					} else {
						best, bestIx := float32(math.Inf(-1)), y0*p.W+x0
						for y := y0; y < y1; y++ {
							for x := x0; x < x1; x++ {
								if v := plane[y*p.W+x]; v > best {
									best, bestIx = v, y*p.W+x
								}
							}
						}
						out[pos] = best
						p.mask[pos] = int32(bestIx)
					}
				}
			}
		})
	})
}

// Backward propagation, must follow a call to Fprop with the same batch.
func (p *Pool) Bprop(diffDst, diffSrc Array) Function {
	n := diffDst.Dims()[0]
	return args("pool_bprop", func(threads int) {
		grad, dsrc := diffDst.Data(), diffSrc.Data()
		parallel(threads, n*p.Depth, func(thread, ix int) {
			plane := dsrc[ix*p.H*p.W : (ix+1)*p.H*p.W]
			for i := range plane {
				plane[i] = 0
			}
			for oy := 0; oy < p.OutH; oy++ {
				y0, y1 := p.window(oy, p.Stride, p.Size, p.H)
				for ox := 0; ox < p.OutW; ox++ {
					x0, x1 := p.window(ox, p.Stride, p.Size, p.W)
					pos := ix*p.OutH*p.OutW + oy*p.OutW + ox
					if p.Average {
						g := grad[pos] / float32((y1-y0)*(x1-x0))
						for y := y0; y < y1; y++ {
							for x := x0; x < x1; x++ {
								plane[y*p.W+x] += g
							}
						}
					} else {
						plane[p.mask[pos]] += grad[pos]
					}
				}
			}
		})
	})
}

// BatchNorm primitive normalises each channel over the batch and spatial dimensions.
// Input is either [batch, features] or [batch, channels, height, width].
type BatchNorm struct {
	Channels int
	Spatial  int
	Eps      float64
	Momentum float64
	xhat     []float32
	invStd   []float32
}

func NewBatchNorm(channels, spatial int) *BatchNorm {
	return &BatchNorm{Channels: channels, Spatial: spatial, Eps: 1e-5, Momentum: 0.1}
}

// Forward propagation. In training mode the batch statistics are used and the running mean and
// variance are updated, else the running statistics are used.
func (b *BatchNorm) Fprop(src, gamma, beta, runMean, runVar, dst Array, train bool) Function {
	n := src.Dims()[0]
	if src.Size() != n*b.Channels*b.Spatial || dst.Size() != src.Size() {
		panic(fmt.Sprintf("BatchNorm: invalid shapes src=%v dst=%v", src.Dims(), dst.Dims()))
	}
	name := "batchnorm_infer"
	if train {
		name = "batchnorm_fprop"
	}
	return args(name, func(threads int) {
		in, out := src.Data(), dst.Data()
		g, bt, rm, rv := gamma.Data(), beta.Data(), runMean.Data(), runVar.Data()
		if train {
			if len(b.xhat) < src.Size() {
				b.xhat = make([]float32, src.Size())
			}
			b.invStd = make([]float32, b.Channels)
		}
		count := float64(n * b.Spatial)
		parallel(threads, b.Channels, func(thread, ch int) {
			var mean, variance float64
			if train {
				for i := 0; i < n; i++ {
					for _, v := range in[(i*b.Channels+ch)*b.Spatial : (i*b.Channels+ch+1)*b.Spatial] {
						mean += float64(v)
					}
				}
				mean /= count
				for i := 0; i < n; i++ {
					for _, v := range in[(i*b.Channels+ch)*b.Spatial : (i*b.Channels+ch+1)*b.Spatial] {
						variance += (float64(v) - mean) * (float64(v) - mean)
					}
				}
				variance /= count
				unbiased := variance
				if count > 1 {
					unbiased = variance * count / (count - 1)
				}
				rm[ch] = float32((1-b.Momentum)*float64(rm[ch]) + b.Momentum*mean)
				rv[ch] = float32((1-b.Momentum)*float64(rv[ch]) + b.Momentum*unbiased)
			} else {
				mean, variance = float64(rm[ch]), float64(rv[ch])
			}
			invStd := float32(1 / math.Sqrt(variance+b.Eps))
			if train {
				b.invStd[ch] = invStd
			}
			m := float32(mean)
			for i := 0; i < n; i++ {
				start := (i*b.Channels + ch) * b.Spatial
				for j := start; j < start+b.Spatial; j++ {
					xh := (in[j] - m) * invStd
					if train {
						b.xhat[j] = xh
					}
					out[j] = g[ch]*xh + bt[ch]
				}
			}
		})
	})
}

// Backward propagation, must follow a call to Fprop in training mode with the same batch.
func (b *BatchNorm) Bprop(diffDst, gamma, diffGamma, diffBeta, diffSrc Array) Function {
	n := diffDst.Dims()[0]
	return args("batchnorm_bprop", func(threads int) {
		grad, dsrc := diffDst.Data(), diffSrc.Data()
		g, dg, db := gamma.Data(), diffGamma.Data(), diffBeta.Data()
		count := float32(n * b.Spatial)
		parallel(threads, b.Channels, func(thread, ch int) {
			var sumG, sumGX float32
			for i := 0; i < n; i++ {
				start := (i*b.Channels + ch) * b.Spatial
				for j := start; j < start+b.Spatial; j++ {
					sumG += grad[j]
					sumGX += grad[j] * b.xhat[j]
				}
			}
			dg[ch], db[ch] = sumGX, sumG
			scale := g[ch] * b.invStd[ch] / count
			for i := 0; i < n; i++ {
				start := (i*b.Channels + ch) * b.Spatial
				for j := start; j < start+b.Spatial; j++ {
					dsrc[j] = scale * (count*grad[j] - sumG - b.xhat[j]*sumGX)
				}
			}
		})
	})
}
