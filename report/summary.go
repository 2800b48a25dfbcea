package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Summary of the model predictions on the test set.
type Summary struct {
	Model        string
	TestLoss     float64
	Samples      int
	MeanAbsError float64
	MedianAbsPct float64
	BaselineLoss float64
	Prices       stats.Average
}

// NewSummary compares the predicted log price for each sample with the actual price. loss is the
// loss as returned from nnet.Evaluate and baseline is the RMSE of the reference linear fit, or zero
// if not available.
func NewSummary(model string, prices []float64, pred []float32, loss, baseline float64) (Summary, error) {
	s := Summary{Model: model, TestLoss: loss, Samples: len(prices), BaselineLoss: baseline}
	if len(pred) != len(prices) {
		return s, errors.Errorf("summary: have %d predictions for %d samples", len(pred), len(prices))
	}
	if len(prices) == 0 {
		return s, nil
	}
	absErr := make([]float64, len(prices))
	pctErr := make([]float64, len(prices))
	for i, price := range prices {
		s.Prices.Add(price)
		absErr[i] = math.Abs(houses.Price(pred[i]) - price)
		pctErr[i] = 100 * absErr[i] / price
	}
	s.MeanAbsError = stat.Mean(absErr, nil)
	sort.Float64s(pctErr)
	s.MedianAbsPct = stat.Quantile(0.5, stat.Empirical, pctErr, nil)
	return s, nil
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d test samples\n", s.Model, s.Samples)
	fmt.Fprintf(&b, "  test loss (RMSE log price) = %.4f\n", s.TestLoss)
	if s.BaselineLoss > 0 {
		fmt.Fprintf(&b, "  baseline loss             = %.4f\n", s.BaselineLoss)
	}
	fmt.Fprintf(&b, "  mean absolute error       = $%.0f\n", s.MeanAbsError)
	fmt.Fprintf(&b, "  median absolute error     = %.1f%%\n", s.MedianAbsPct)
	fmt.Fprintf(&b, "  prices: %s\n", s.Prices.String())
	return b.String()
}
