package num

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

const eps = 1e-4

func compare(t *testing.T, title string, got, expect []float32) {
	t.Helper()
	if len(got) != len(expect) {
		t.Fatalf("%s: length mismatch got %d expect %d", title, len(got), len(expect))
	}
	for i := range got {
		if math.Abs(float64(got[i]-expect[i])) > eps {
			t.Errorf("%s: mismatch at %d\ngot    %v\nexpect %v", title, i, got, expect)
			return
		}
	}
}

func randArray(rng *rand.Rand, size int) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(6)
	x = x.Reshape(2, 3)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	head := x.Head(1)
	if dim := head.Dims(); !reflect.DeepEqual(dim, []int{1, 3}) {
		t.Error("head dims invalid: got", dim)
	}
	compare(t, "head", head.Data(), []float32{1, 1, 2})
	t.Logf("\n%s", x.String(q))
}

func TestReshape(t *testing.T) {
	x := NewDevice().NewArray(2, 3, 4)
	y := x.Reshape(-1, 4)
	if dim := y.Dims(); !reflect.DeepEqual(dim, []int{6, 4}) {
		t.Error("dims invalid: got", dim)
	}
	if !reflect.DeepEqual(x.Dims(), []int{2, 3, 4}) {
		t.Error("source dims modified", x.Dims())
	}
}

func TestCopy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	y := dev.NewArray(3)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	compare(t, "tile rows", res, []float32{3, 2, 1, 3, 2, 1})
}

func TestAxpy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x, y := dev.NewArray(3), dev.NewArray(3)
	q.Call(
		Write(x, []float32{1, 2, 3}),
		Fill(y, 1),
		Axpy(2, x, y),
		Scale(0.5, y),
	).Finish()
	compare(t, "axpy", y.Data(), []float32{1.5, 2.5, 3.5})
	total := dev.NewArray()
	q.Call(Sum(y, total, 2)).Finish()
	compare(t, "sum", total.Data(), []float32{15})
}

func TestGemm(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	a, b, c := dev.NewArray(2, 3), dev.NewArray(3, 2), dev.NewArray(2, 2)
	q.Call(
		Write(a, []float32{1, 2, 3, 4, 5, 6}),
		Write(b, []float32{1, 0, 0, 1, 1, 1}),
		Gemm(1, 0, a, b, c, NoTrans, NoTrans),
	).Finish()
	compare(t, "gemm", c.Data(), []float32{4, 5, 10, 11})
	at := dev.NewArray(3, 2)
	q.Call(
		Transpose(a, at),
		Gemm(1, 0, at, b, c, Trans, NoTrans),
	).Finish()
	compare(t, "gemm trans", c.Data(), []float32{4, 5, 10, 11})
}

func TestSumRows(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x, y := dev.NewArray(2, 3), dev.NewArray(3)
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Fill(y, 1),
		SumRows(1, 0, x, y),
	).Finish()
	compare(t, "sum rows", y.Data(), []float32{5, 7, 9})
}

func TestRelu(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x, y, g, dx := dev.NewArray(4), dev.NewArray(4), dev.NewArray(4), dev.NewArray(4)
	q.Call(
		Write(x, []float32{-1, 0.5, 2, -3}),
		Fill(g, 1),
		Relu(x, y),
		ReluD(x, g, dx),
	).Finish()
	compare(t, "relu", y.Data(), []float32{0, 0.5, 2, 0})
	compare(t, "relu_d", dx.Data(), []float32{0, 1, 1, 0})
}

// direct convolution for comparison
func naiveConv(c *Conv, n int, in, w, b []float32) []float32 {
	out := make([]float32, n*c.Nfeats*c.OutH*c.OutW)
	for i := 0; i < n; i++ {
		for f := 0; f < c.Nfeats; f++ {
			for oy := 0; oy < c.OutH; oy++ {
				for ox := 0; ox < c.OutW; ox++ {
					sum := b[f]
					for ch := 0; ch < c.Depth; ch++ {
						for ky := 0; ky < c.Size; ky++ {
							for kx := 0; kx < c.Size; kx++ {
								y, x := oy*c.Stride-c.Pad+ky, ox*c.Stride-c.Pad+kx
								if y < 0 || y >= c.H || x < 0 || x >= c.W {
									continue
								}
								sum += in[((i*c.Depth+ch)*c.H+y)*c.W+x] * w[f*c.Depth*c.Size*c.Size+(ch*c.Size+ky)*c.Size+kx]
							}
						}
					}
					out[((i*c.Nfeats+f)*c.OutH+oy)*c.OutW+ox] = sum
				}
			}
		}
	}
	return out
}

func TestConvFprop(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	dev := NewDevice()
	for _, threads := range []int{1, 3} {
		q := dev.NewQueue(threads)
		c := NewConv(2, 5, 5, 3, 3, 2, 1)
		if !reflect.DeepEqual(c.OutShape(), []int{3, 3, 3}) {
			t.Fatal("invalid output shape", c.OutShape())
		}
		n := 2
		src := dev.NewArray(append([]int{n}, c.InShape()...)...)
		filter := dev.NewArray(c.FilterShape()...)
		bias := dev.NewArray(c.BiasShape()...)
		dst := dev.NewArray(append([]int{n}, c.OutShape()...)...)
		inData, wData, bData := randArray(rng, src.Size()), randArray(rng, filter.Size()), randArray(rng, bias.Size())
		q.Call(
			Write(src, inData),
			Write(filter, wData),
			Write(bias, bData),
			c.Fprop(src, filter, bias, dst),
		).Finish()
		compare(t, "conv", dst.Data(), naiveConv(c, n, inData, wData, bData))
	}
}

// check conv gradients against sum(dst * grad) by finite differences
func TestConvBprop(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	dev := NewDevice()
	q := dev.NewQueue(2)
	c := NewConv(2, 4, 4, 2, 3, 1, 1)
	n := 2
	inData := randArray(rng, n*Prod(c.InShape()))
	wData := randArray(rng, Prod(c.FilterShape()))
	bData := randArray(rng, c.Nfeats)
	gData := randArray(rng, n*Prod(c.OutShape()))
	loss := func(in, w []float32) float64 {
		out := naiveConv(c, n, in, w, bData)
		var sum float64
		for i, v := range out {
			sum += float64(v * gData[i])
		}
		return sum
	}
	src := dev.NewArray(append([]int{n}, c.InShape()...)...)
	filter := dev.NewArray(c.FilterShape()...)
	grad := dev.NewArray(append([]int{n}, c.OutShape()...)...)
	dsrc, dw, db := dev.NewArrayLike(src), dev.NewArrayLike(filter), dev.NewArray(c.Nfeats)
	q.Call(
		Write(src, inData),
		Write(filter, wData),
		Write(grad, gData),
		c.BpropData(filter, grad, dsrc),
		c.BpropFilter(src, grad, dw, db),
	).Finish()
	const h = 1e-2
	for i := range inData {
		save := inData[i]
		inData[i] = save + h
		up := loss(inData, wData)
		inData[i] = save - h
		down := loss(inData, wData)
		inData[i] = save
		if d := (up - down) / (2 * h); math.Abs(d-float64(dsrc.Data()[i])) > 1e-2 {
			t.Fatalf("dsrc[%d]: got %g expect %g", i, dsrc.Data()[i], d)
		}
	}
	for i := range wData {
		save := wData[i]
		wData[i] = save + h
		up := loss(inData, wData)
		wData[i] = save - h
		down := loss(inData, wData)
		wData[i] = save
		if d := (up - down) / (2 * h); math.Abs(d-float64(dw.Data()[i])) > 1e-2 {
			t.Fatalf("dw[%d]: got %g expect %g", i, dw.Data()[i], d)
		}
	}
	for f := 0; f < c.Nfeats; f++ {
		var expect float32
		for i := 0; i < n; i++ {
			for _, v := range gData[(i*c.Nfeats+f)*16 : (i*c.Nfeats+f+1)*16] {
				expect += v
			}
		}
		if math.Abs(float64(expect-db.Data()[f])) > eps {
			t.Errorf("db[%d]: got %g expect %g", f, db.Data()[f], expect)
		}
	}
}

func TestMaxPool(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	p := NewPool(1, 4, 4, 2, 2, false)
	src := dev.NewArray(1, 1, 4, 4)
	dst := dev.NewArray(1, 1, 2, 2)
	q.Call(
		Write(src, []float32{
			1, 2, 0, 0,
			3, 4, 0, 5,
			0, 0, 1, 1,
			9, 0, 1, 2}),
		p.Fprop(src, dst),
	).Finish()
	compare(t, "maxpool", dst.Data(), []float32{4, 5, 9, 2})
	grad := dev.NewArrayLike(dst)
	dsrc := dev.NewArrayLike(src)
	q.Call(
		Write(grad, []float32{1, 2, 3, 4}),
		p.Bprop(grad, dsrc),
	).Finish()
	compare(t, "maxpool bprop", dsrc.Data(), []float32{
		0, 0, 0, 0,
		0, 1, 0, 2,
		0, 0, 0, 0,
		3, 0, 0, 4})
}

func TestAvgPool(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	p := NewPool(2, 2, 2, 2, 0, true)
	if !reflect.DeepEqual(p.OutShape(), []int{2, 1, 1}) {
		t.Fatal("invalid output shape", p.OutShape())
	}
	src := dev.NewArray(1, 2, 2, 2)
	dst := dev.NewArray(1, 2, 1, 1)
	q.Call(
		Write(src, []float32{1, 2, 3, 4, 0, 0, 0, 4}),
		p.Fprop(src, dst),
	).Finish()
	compare(t, "avgpool", dst.Data(), []float32{2.5, 1})
}

func TestBatchNorm(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	b := NewBatchNorm(2, 1)
	src := dev.NewArray(4, 2)
	dst := dev.NewArrayLike(src)
	gamma, beta := dev.NewArray(2), dev.NewArray(2)
	mean, variance := dev.NewArray(2), dev.NewArray(2)
	q.Call(
		Write(src, []float32{1, 10, 2, 20, 3, 30, 4, 40}),
		Fill(gamma, 1),
		Fill(beta, 0),
		Fill(variance, 1),
		b.Fprop(src, gamma, beta, mean, variance, dst, true),
	).Finish()
	out := dst.Data()
	for ch := 0; ch < 2; ch++ {
		var sum, sum2 float64
		for i := 0; i < 4; i++ {
			v := float64(out[i*2+ch])
			sum += v
			sum2 += v * v
		}
		if math.Abs(sum/4) > eps || math.Abs(sum2/4-1) > 1e-3 {
			t.Errorf("channel %d not normalised: mean=%g var=%g", ch, sum/4, sum2/4)
		}
	}
	compare(t, "running mean", mean.Data(), []float32{0.25, 2.5})
	// gradient of sum(dst) wrt src is zero after normalisation
	grad, dsrc := dev.NewArrayLike(src), dev.NewArrayLike(src)
	dg, db := dev.NewArray(2), dev.NewArray(2)
	q.Call(
		Fill(grad, 1),
		b.Bprop(grad, gamma, dg, db, dsrc),
	).Finish()
	compare(t, "dsrc", dsrc.Data(), make([]float32, 8))
	compare(t, "dbeta", db.Data(), []float32{4, 4})
}

func TestProfile(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	q.Profiling(true)
	x := dev.NewArray(10)
	q.Call(Fill(x, 1), Scale(2, x)).Finish()
	p := q.Profile()
	t.Log(p)
	if len(p) == 0 {
		t.Error("empty profile")
	}
}

func TestRMSELoss(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x, y, grad, loss := dev.NewArray(4, 1), dev.NewArray(4, 1), dev.NewArray(4, 1), dev.NewArray()
	q.Call(
		Write(x, []float32{1, 2, 3, 4}),
		Write(y, []float32{1, 2, 3, 0}),
		RMSELoss(x, y, grad, loss),
	).Finish()
	compare(t, "loss", loss.Data(), []float32{2})
	compare(t, "grad", grad.Data(), []float32{0, 0, 0, 0.5})
	q.Call(RMSELoss(y, y, grad, loss)).Finish()
	compare(t, "zero loss", loss.Data(), []float32{0})
	compare(t, "zero grad", grad.Data(), []float32{0, 0, 0, 0})
}
