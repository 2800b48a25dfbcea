// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Read data from array into a slice.
func Read(a Array, data []float32) Function {
	if len(data) < a.Size() {
		panic("Read: buffer too small")
	}
	return args("copy", func(int) { copy(data, a.Data()) })
}

// Write data from a slice into the given array.
func Write(a Array, data []float32) Function {
	if len(data) < a.Size() {
		panic("Write: buffer too small")
	}
	return args("copy", func(int) { copy(a.Data(), data[:a.Size()]) })
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func(int) {
		x := a.Data()
		for i := range x {
			x[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) || (dst.Size() == src.Size() && len(sdim) > 0) {
		return args("copy", func(int) { copy(dst.Data(), src.Data()) })
	}
	if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] {
		return args("tile", func(int) {
			d, s := dst.Data(), src.Data()
			for row := 0; row < ddim[0]; row++ {
				copy(d[row*ddim[1]:(row+1)*ddim[1]], s)
			}
		})
	}
	panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	return args("scale", func(int) {
		blas32.Implementation().Sscal(x.Size(), alpha, x.Data(), 1)
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return args("axpy", func(int) {
		blas32.Implementation().Saxpy(x.Size(), alpha, x.Data(), 1, y.Data(), 1)
	})
}

// Element wise addition: z <- x + y
func Add(x, y, z Array) Function {
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic("Add: arrays must be same size")
	}
	return args("add", func(int) {
		xd, yd, zd := x.Data(), y.Data(), z.Data()
		for i := range zd {
			zd[i] = xd[i] + yd[i]
		}
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if total.Size() != 1 {
		panic("Sum: result should be a scalar")
	}
	return args("sum", func(int) {
		var sum float64
		for _, v := range a.Data() {
			sum += float64(v)
		}
		total.Data()[0] = float32(sum) * scale
	})
}

// Sum the rows of a matrix x into vector y: y <- alpha*sum(x[i,:]) + beta*y
func SumRows(alpha, beta float32, x, y Array) Function {
	xdim := x.Dims()
	if len(xdim) != 2 || y.Size() != xdim[1] {
		panic(fmt.Sprintf("SumRows: invalid shapes %v %v", xdim, y.Dims()))
	}
	return args("sum_rows", func(int) {
		xd, yd := x.Data(), y.Data()
		for j := range yd {
			yd[j] *= beta
		}
		for i := 0; i < xdim[0]; i++ {
			blas32.Implementation().Saxpy(xdim[1], alpha, xd[i*xdim[1]:(i+1)*xdim[1]], 1, yd, 1)
		}
	})
}

// Transpose sets mB to a copy of mA with the data transposed.
func Transpose(mA, mB Array) Function {
	adim, bdim := mA.Dims(), mB.Dims()
	if len(adim) != 2 || len(bdim) != 2 {
		panic("Transpose: arrays must be 2D")
	}
	if adim[0] != bdim[1] || adim[1] != bdim[0] {
		panic("Transpose: destination matrix is wrong shape")
	}
	return args("trans", func(int) {
		a, b := mA.Data(), mB.Data()
		for i := 0; i < adim[0]; i++ {
			for j := 0; j < adim[1]; j++ {
				b[j*adim[0]+i] = a[i*adim[1]+j]
			}
		}
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func(int) {
		blas32.Implementation().Sgemm(aTrans.blas(), bTrans.blas(), m, n, k,
			alpha, mA.Data(), adim[1], mB.Data(), bdim[1], beta, mC.Data(), cdim[1])
	})
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, func(x float32) float32 {
		return 1 / (1 + float32(math.Exp(float64(-x))))
	})
}

func SigmoidD(x, grad, y Array) Function {
	return binaryFunc("sigmoid_d", x, grad, y, func(x, g float32) float32 {
		s := 1 / (1 + float32(math.Exp(float64(-x))))
		return g * s * (1 - s)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func TanhD(x, grad, y Array) Function {
	return binaryFunc("tanh_d", x, grad, y, func(x, g float32) float32 {
		t := float32(math.Tanh(float64(x)))
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Root mean squared error loss over all elements: loss = sqrt(mean((x-y)**2)).
// If grad is not nil it is set to the derivative of the loss with respect to x.
func RMSELoss(x, y, grad, loss Array) Function {
	if x.Size() != y.Size() || loss.Size() != 1 {
		panic(fmt.Sprintf("RMSELoss: invalid shapes %v %v %v", x.Dims(), y.Dims(), loss.Dims()))
	}
	return args("rmse_loss", func(int) {
		xd, yd := x.Data(), y.Data()
		var sum float64
		for i, v := range xd {
			d := float64(v - yd[i])
			sum += d * d
		}
		n := float64(len(xd))
		rmse := math.Sqrt(sum / n)
		loss.Data()[0] = float32(rmse)
		if grad == nil {
			return
		}
		gd := grad.Data()
		if rmse == 0 {
			for i := range gd {
				gd[i] = 0
			}
			return
		}
		scale := float32(1 / (n * rmse))
		for i, v := range xd {
			gd[i] = (v - yd[i]) * scale
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Size() != y.Size() {
		panic("UnaryFunc: arrays must be same size")
	}
	return args(name, func(int) {
		xd, yd := x.Data(), y.Data()
		for i, v := range xd {
			yd[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(x, y float32) float32) Function {
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic("BinaryFunc: arrays must be same size")
	}
	return args(name, func(int) {
		xd, yd, zd := x.Data(), y.Data(), z.Data()
		for i := range zd {
			zd[i] = fn(xd[i], yd[i])
		}
	})
}
