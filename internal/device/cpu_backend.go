package device

import (
	"log"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-seqnp/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
	}

	t.data = make([]float32, size)
	if data != nil {
		if len(data) != size {
			log.Panicf("NewTensor: provided data length %d does not match dimensions %dx%d", len(data), r, c)
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
}

func (t *CPUTensor) Dims() (int, int) {
	return t.rows, t.cols
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panicf("CopyFromFloat32: size mismatch. Target: %d, Source: %d", len(t.data), len(data))
	}
	copy(t.data, data)
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}
	if ar == 0 || bc == 0 {
		return
	}
	if ac == 0 {
		for i := range t.data {
			t.data[i] = 0
		}
		return
	}

	ga := blas32.General{Rows: ma.rows, Cols: ma.cols, Stride: ma.cols, Data: ma.data}
	gb := blas32.General{Rows: mb.rows, Cols: mb.cols, Stride: mb.cols, Data: mb.data}
	gc := blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ga, gb, 0, gc)
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()

	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	simd.VecAdd(t.data, ot.data)
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt, ok := bias.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend AddBias")
	}

	r, c := t.Dims()
	br, bc := bias.Dims()

	if br != 1 && bc != 1 {
		log.Panic("AddBias: bias must be a vector (1xN or Nx1)")
	}

	// A vector's physical storage is the same in either orientation.
	biasData := bt.data
	if len(biasData) != c {
		log.Panicf("AddBias: bias length %d mismatch with tensor columns %d", len(biasData), c)
	}

	data := t.data
	for i := 0; i < r; i++ {
		row := data[i*c : (i+1)*c]
		simd.VecAdd(row, biasData)
	}
}

func (t *CPUTensor) Relu() {
	simd.Relu(t.data)
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gt, ok1 := gamma.(*CPUTensor)
	bt, ok2 := beta.(*CPUTensor)
	if !ok1 || !ok2 {
		log.Panic("Mixed backend LayerNorm")
	}

	r, c := t.Dims()
	gammaData := gt.data
	betaData := bt.data
	if len(gammaData) < c || len(betaData) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	data := t.data
	for i := 0; i < r; i++ {
		rowStart := i * c
		row := data[rowStart : rowStart+c]

		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(c)

		var varSum float32
		for _, v := range row {
			diff := v - mean
			varSum += diff * diff
		}
		variance := varSum / float32(c)
		invStd := 1.0 / float32(math.Sqrt(float64(variance+eps)))

		for j := 0; j < c; j++ {
			row[j] = (row[j]-mean)*invStd*gammaData[j] + betaData[j]
		}
	}
}

func (t *CPUTensor) Dropout(rate float32, rng *rand.Rand) {
	if rng == nil || rate <= 0 {
		return
	}
	dropout(t.data, rate, rng)
}

func dropout(data []float32, rate float32, rng *rand.Rand) {
	keep := 1 / (1 - rate)
	for i := range data {
		if rng.Float32() < rate {
			data[i] = 0
		} else {
			data[i] *= keep
		}
	}
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(input, weight)

	if bias != nil {
		result.AddBias(bias)
	}

	return result
}

func (t *CPUTensor) Attention(q, k, v Tensor, p AttentionParams) Tensor {
	qt := q.(*CPUTensor)
	kt := k.(*CPUTensor)
	vt := v.(*CPUTensor)

	batchSize, seqLen := p.BatchSize, p.SeqLen
	r, c := qt.Dims()
	if r != batchSize*seqLen {
		log.Panicf("Attention: dims mismatch. rows %d != batch %d * seq %d", r, batchSize, seqLen)
	}
	numHeads := p.NumHeads
	if numHeads <= 0 {
		numHeads = 1
	}
	if c%numHeads != 0 {
		log.Panicf("Attention: hidden size %d not divisible by %d heads", c, numHeads)
	}
	headDim := c / numHeads
	if p.KeyPadding != nil && len(p.KeyPadding) != r {
		log.Panicf("Attention: key padding length %d != %d", len(p.KeyPadding), r)
	}

	result := t.backend.NewTensor(r, c, nil)
	rst := result.(*CPUTensor)
	if r == 0 {
		return result
	}

	compute := func(start, end int) {
		scoresBuf := make([]float32, seqLen)

		for i := start; i < end; i++ {
			offset := i * seqLen
			var skip []bool
			if p.KeyPadding != nil {
				skip = p.KeyPadding[offset : offset+seqLen]
			}

			for h := 0; h < numHeads; h++ {
				hOff := h * headDim

				for rQ := 0; rQ < seqLen; rQ++ {
					qIdx := (offset+rQ)*c + hOff
					qRow := qt.data[qIdx : qIdx+headDim]

					for rK := 0; rK < seqLen; rK++ {
						kIdx := (offset+rK)*c + hOff
						scoresBuf[rK] = simd.DotProduct(qRow, kt.data[kIdx:kIdx+headDim]) * p.Scale
					}

					outIdx := (offset+rQ)*c + hOff
					outRow := rst.data[outIdx : outIdx+headDim]

					// No visible key leaves the output row at zero.
					if !simd.SoftmaxMasked(scoresBuf, skip) {
						continue
					}
					if p.Rng != nil && p.DropoutRate > 0 {
						dropout(scoresBuf, p.DropoutRate, p.Rng)
					}

					for rK := 0; rK < seqLen; rK++ {
						vIdx := (offset+rK)*c + hOff
						simd.VecAddScaled(outRow, vt.data[vIdx:vIdx+headDim], scoresBuf[rK])
					}
				}
			}
		}
	}

	// rand.Rand is not safe for concurrent use.
	if p.Rng != nil {
		compute(0, batchSize)
		return result
	}

	workers := numWorkers
	if batchSize < workers {
		workers = batchSize
	}
	itemsPerWorker := (batchSize + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startBatch := w * itemsPerWorker
		if startBatch >= batchSize {
			break
		}
		endBatch := startBatch + itemsPerWorker
		if endBatch > batchSize {
			endBatch = batchSize
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			compute(start, end)
		}(startBatch, endBatch)
	}
	wg.Wait()

	return result
}

func (t *CPUTensor) HasNonFinite() bool {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
