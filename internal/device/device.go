package device

import "math/rand"

// Tensor represents a two-dimensional float32 matrix resident on a backend.
// Batched sequences are stored flattened as (Batch*Seq, Features).
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// ToHost copies the data to a Go slice (float32).
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice (float32) to the tensor.
	CopyFromFloat32(data []float32)

	// Operations

	// Mul performs matrix multiplication into the receiver: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// AddBias adds a bias vector (broadcasted) to each row.
	AddBias(bias Tensor)

	// Relu applies max(0, x) in place.
	Relu()

	// LayerNorm performs layer normalization over each row (In-Place).
	LayerNorm(gamma, beta Tensor, eps float32)

	// Dropout zeroes entries with probability rate and rescales the
	// survivors by 1/(1-rate) (In-Place). A nil rng or zero rate is a no-op.
	Dropout(rate float32, rng *rand.Rand)

	// Linear performs a fused MatMul + BiasAdd.
	// equivalent to: t.Mul(input, weight); t.AddBias(bias)
	// returns result tensor
	Linear(input, weight, bias Tensor) Tensor

	// Attention performs multi-head scaled dot product attention with an
	// optional key padding mask. q, k, v are flattened (Batch*Seq, Hidden)
	// and the result has the same layout.
	Attention(q, k, v Tensor, p AttentionParams) Tensor

	// HasNonFinite reports whether any element is NaN or ±Inf.
	HasNonFinite() bool
}

// AttentionParams describes the layout and masking of an attention call.
type AttentionParams struct {
	BatchSize int
	SeqLen    int
	NumHeads  int
	Scale     float32

	// KeyPadding has BatchSize*SeqLen entries; true marks a key position
	// that no query may attend to. Nil means every key is visible.
	KeyPadding []bool

	// DropoutRate is applied to the attention probabilities when Rng is set.
	DropoutRate float32
	Rng         *rand.Rand
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)
}
