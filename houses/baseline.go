package houses

import (
	"log"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Baseline is an ordinary least squares fit of log(price) to the number of bedrooms,
// bathrooms and the area, as a reference for the image model.
type Baseline struct {
	Coef []float64
}

const baselineFeatures = 4

func features(r Record) []float64 {
	return []float64{1, r.Bedrooms, r.Bathrooms, r.Area}
}

// FitBaseline fits the linear model to the given houses.
func FitBaseline(records []Record, ids []int) (b *Baseline, err error) {
	if len(ids) < baselineFeatures {
		return nil, errors.Errorf("baseline: need at least %d houses, got %d", baselineFeatures, len(ids))
	}
	X := mat.NewDense(len(ids), baselineFeatures, nil)
	y := mat.NewVecDense(len(ids), nil)
	for i, id := range ids {
		X.SetRow(i, features(records[id-1]))
		y.SetVec(i, math.Log(records[id-1].Price))
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("baseline: %v", r)
		}
	}()
	var coef mat.VecDense
	if err = coef.SolveVec(X, y); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, errors.Wrap(err, "baseline")
		}
		log.Printf("warning: baseline fit is ill-conditioned: %v", err)
	}
	return &Baseline{Coef: mat.Col(nil, 0, &coef)}, nil
}

// Predict returns the predicted log(price)
func (b *Baseline) Predict(r Record) float64 {
	return mat.Dot(mat.NewVecDense(baselineFeatures, features(r)), mat.NewVecDense(baselineFeatures, b.Coef))
}

// RMSE is the root mean square error of the log price predictions
func (b *Baseline) RMSE(records []Record, ids []int) float64 {
	if len(ids) == 0 {
		return 0
	}
	var sum float64
	for _, id := range ids {
		d := b.Predict(records[id-1]) - math.Log(records[id-1].Price)
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(ids)))
}
