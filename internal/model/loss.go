package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrNonFiniteLoss marks a NaN or infinite training loss. It is raised as a
// panic because it indicates diverged parameters, not bad input.
var ErrNonFiniteLoss = errors.New("model: non-finite loss")

const (
	// LossScale multiplies predictions and targets before the squared error.
	LossScale = 100.0
	// ContextWeight down-weights the context reconstruction term.
	ContextWeight = 1.0 / 100.0
	// maskSmoothing is added to every valid-count denominator.
	maskSmoothing = 1.0
)

// LossRecord holds the scalar losses of one forward pass. Loss is nil when no
// target y was supplied.
type LossRecord struct {
	Loss    *float64
	Context float64
	Target  float64
}

// HorizonWeights returns 1/sqrt(i+0.5) for i in [0, steps).
func HorizonWeights(steps int) []float64 {
	w := make([]float64, steps)
	for i := range w {
		w[i] = 1 / math.Sqrt(float64(i)+0.5)
	}
	return w
}

// scaledSquaredError is ((m*s - y*s)^2)/s with s = LossScale.
func scaledSquaredError(mean, y float32) float64 {
	d := float64(mean)*LossScale - float64(y)*LossScale
	return d * d / LossScale
}

// segmentLoss reduces the squared error of one segment as
// sum(err*w*mask)/(sum(mask)+1). y and valid cover the joined sequence;
// offset is the first joined position of the segment. A nil weights slice
// means every position has weight 1.
func segmentLoss(mean, y *Sequence, valid []bool, offset int, weights []float64) float64 {
	var sum, count float64
	for b := 0; b < mean.Batch; b++ {
		for i := 0; i < mean.Len; i++ {
			w := 1.0
			if weights != nil {
				w = weights[i]
			}
			for d := 0; d < mean.Dim; d++ {
				idx := y.index(b, offset+i, d)
				var m float64
				if valid[idx] {
					m = 1
				}
				// Multiply rather than skip so NaN predictions still surface.
				sum += scaledSquaredError(mean.At(b, i, d), y.Data[idx]) * w * m
				count += m
			}
		}
	}
	return sum / (count + maskSmoothing)
}

// ComputeLoss scores predictions for the joined context and target segments
// against y = context_y ++ target_y. Invalid entries of y (non-finite or the
// sentinel) are excluded. The returned record always has Loss set.
func ComputeLoss(meanContext, meanTarget, y *Sequence, sentinel float64) LossRecord {
	if meanContext.Len+meanTarget.Len != y.Len {
		panic(fmt.Sprintf("ComputeLoss: %d context + %d target positions != %d", meanContext.Len, meanTarget.Len, y.Len))
	}
	clean, valid := Sanitize(y, sentinel)

	lc := segmentLoss(meanContext, clean, valid, 0, nil)
	lt := segmentLoss(meanTarget, clean, valid, meanContext.Len, HorizonWeights(meanTarget.Len))
	loss := lc*ContextWeight + lt

	return LossRecord{Loss: &loss, Context: lc, Target: lt}
}

// mustBeFinite panics with ErrNonFiniteLoss when the loss diverged.
func (r LossRecord) mustBeFinite() {
	if r.Loss == nil {
		return
	}
	if math.IsNaN(*r.Loss) || math.IsInf(*r.Loss, 0) {
		panic(fmt.Errorf("%w: loss=%v context=%v target=%v", ErrNonFiniteLoss, *r.Loss, r.Context, r.Target))
	}
}
