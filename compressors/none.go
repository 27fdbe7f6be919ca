package compressors

import (
	"errors"
	"fmt"

	"github.com/INLOpen/nexusstate/core"
)

// ErrIncompressible is returned by a compressor that cannot shrink its input.
// Callers store such payloads uncompressed.
var ErrIncompressible = errors.New("payload is incompressible")

// NoCompressionCompressor implements the Compressor interface without performing compression.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Decompress(data []byte, rawLen int) ([]byte, error) {
	if len(data) != rawLen {
		return nil, fmt.Errorf("uncompressed payload has %d bytes, header says %d", len(data), rawLen)
	}
	return data, nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}

// Get returns a Compressor instance based on the CompressionType.
func Get(compressionType core.CompressionType) (core.Compressor, error) {
	switch compressionType {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return &SnappyCompressor{}, nil
	case core.CompressionLZ4:
		return &LZ4Compressor{}, nil
	case core.CompressionZSTD:
		return sharedZstd, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", compressionType)
	}
}
