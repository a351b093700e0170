// Package weights reads and writes transformer parameters as raw
// little-endian float32 values in the model's fixed parameter order.
package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-seqnp/internal/device"
	"github.com/23skdu/longbow-seqnp/internal/model"
)

// ErrTrailingData is returned when a weights file is longer than the model.
var ErrTrailingData = errors.New("weights: trailing data after last parameter")

// Loader handles loading model weights from binary files.
type Loader struct {
	Model *model.Transformer
}

// NewLoader creates a new weight loader for the given model.
func NewLoader(m *model.Transformer) *Loader {
	return &Loader{Model: m}
}

// LoadFromRawBinary loads every parameter from the file at path.
func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := l.Load(file); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Load reads parameters from r in order. r must hold exactly the model's
// parameters.
func (l *Loader) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	digest := xxhash.New()
	tee := io.TeeReader(br, digest)

	var total int
	for _, p := range l.Model.Parameters() {
		n, err := loadDense(tee, p.Tensor)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
		total += n
	}

	if _, err := br.ReadByte(); err == nil {
		return ErrTrailingData
	} else if err != io.EOF {
		return err
	}

	log.Debug().
		Int("params", total).
		Str("xxhash", fmt.Sprintf("%016x", digest.Sum64())).
		Msg("Loaded weights")
	return nil
}

func loadDense(r io.Reader, d device.Tensor) (int, error) {
	rows, cols := d.Dims()
	data := make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	d.CopyFromFloat32(data)
	return len(data), nil
}
