package hparams

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a flat hyperparameter map from a .yaml/.yml or .cbor file
// and passes it through FromMap.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read hparams %s: %w", path, err)
	}
	params, err := Decode(filepath.Ext(path), raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode hparams %s: %w", path, err)
	}
	return FromMap(params)
}

// Decode parses raw bytes into a flat map based on the file extension.
func Decode(ext string, raw []byte) (map[string]any, error) {
	params := make(map[string]any)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
	case ".cbor":
		if err := cbor.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported hparams format %q", ext)
	}
	return params, nil
}

// MarshalYAML renders the flat params map as YAML, sorted by key.
func MarshalYAML(params map[string]any) ([]byte, error) {
	return yaml.Marshal(params)
}
