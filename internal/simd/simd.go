package simd

import "math"

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Relu clamps negative values to zero in-place.
func Relu(data []float32) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// SoftmaxMasked applies softmax in-place, treating entries where skip[i] is
// true as -inf. If every entry is skipped the row is zeroed and false is
// returned.
func SoftmaxMasked(row []float32, skip []bool) bool {
	maxVal := float32(math.Inf(-1))
	for i, v := range row {
		if skip != nil && skip[i] {
			continue
		}
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		for i := range row {
			row[i] = 0
		}
		return false
	}

	var sum float32
	for i, v := range row {
		if skip != nil && skip[i] {
			row[i] = 0
			continue
		}
		e := float32(math.Exp(float64(v - maxVal)))
		row[i] = e
		sum += e
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
	return true
}
