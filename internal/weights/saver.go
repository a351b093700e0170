package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-seqnp/internal/model"
)

// Saver writes model weights in the order Loader reads them.
type Saver struct {
	Model *model.Transformer
}

func NewSaver(m *model.Transformer) *Saver {
	return &Saver{Model: m}
}

// SaveRawBinary writes every parameter to path, replacing any existing file.
func (s *Saver) SaveRawBinary(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.Save(file); err != nil {
		file.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return file.Close()
}

func (s *Saver) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, p := range s.Model.Parameters() {
		if err := binary.Write(bw, binary.LittleEndian, p.Tensor.ToHost()); err != nil {
			return fmt.Errorf("failed to save %s: %w", p.Name, err)
		}
	}
	return bw.Flush()
}
