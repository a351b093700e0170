package weights

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-seqnp/internal/hparams"
	"github.com/23skdu/longbow-seqnp/internal/model"
)

func newModel(t *testing.T, seed int64) *model.Transformer {
	t.Helper()
	cfg := hparams.DefaultConfig()
	cfg.XDim = 2
	cfg.Seed = seed
	m, err := model.NewTransformer(cfg)
	require.NoError(t, err)
	return m
}

func paramCount(m *model.Transformer) int {
	var n int
	for _, p := range m.Parameters() {
		r, c := p.Tensor.Dims()
		n += r * c
	}
	return n
}

func TestRoundTrip(t *testing.T) {
	src := newModel(t, 1)
	dst := newModel(t, 2)
	path := filepath.Join(t.TempDir(), "model.bin")

	require.NoError(t, NewSaver(src).SaveRawBinary(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4*paramCount(src)), info.Size())

	require.NoError(t, NewLoader(dst).LoadFromRawBinary(path))

	want, got := src.Parameters(), dst.Parameters()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Tensor.ToHost(), got[i].Tensor.ToHost(), want[i].Name)
	}
}

func TestLoad_FixedOrder(t *testing.T) {
	m := newModel(t, 1)

	// Write 0, 1, 2, ... across the whole file.
	values := make([]float32, paramCount(m))
	for i := range values {
		values[i] = float32(i)
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, values))
	require.NoError(t, NewLoader(m).Load(&buf))

	emb := m.Embedding.Weight.ToHost()
	assert.Equal(t, float32(0), emb[0])
	r, c := m.Embedding.Weight.Dims()
	assert.Equal(t, float32(r*c), m.Embedding.Bias.ToHost()[0], "bias follows its weight")
	last := m.Head.Bias.ToHost()
	assert.Equal(t, float32(len(values)-1), last[len(last)-1])
}

func TestLoad_ShortFile(t *testing.T) {
	m := newModel(t, 1)
	var buf bytes.Buffer
	require.NoError(t, NewSaver(m).Save(&buf))
	short := buf.Bytes()[:buf.Len()-6]

	err := NewLoader(m).Load(bytes.NewReader(short))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "head.")
}

func TestLoad_TrailingData(t *testing.T) {
	m := newModel(t, 1)
	var buf bytes.Buffer
	require.NoError(t, NewSaver(m).Save(&buf))
	buf.Write([]byte{0, 0, 0, 0})

	err := NewLoader(m).Load(&buf)
	assert.ErrorIs(t, err, ErrTrailingData)
}

func TestLoadFromRawBinary_MissingFile(t *testing.T) {
	err := NewLoader(newModel(t, 1)).LoadFromRawBinary(filepath.Join(t.TempDir(), "absent.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
