package compressors

import (
	"fmt"
	"sync"

	"github.com/INLOpen/nexusstate/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd. Encoders and
// decoders are expensive to build, so they are shared through pools.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var _ core.Compressor = (*ZstdCompressor)(nil)

var sharedZstd = NewZstdCompressor()

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
				if err != nil {
					return err
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					return err
				}
				return dec
			},
		},
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	v := c.encoderPool.Get()
	enc, ok := v.(*zstd.Encoder)
	if !ok {
		return nil, fmt.Errorf("zstd encoder unavailable: %v", v)
	}
	defer c.encoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *ZstdCompressor) Decompress(data []byte, rawLen int) ([]byte, error) {
	v := c.decoderPool.Get()
	dec, ok := v.(*zstd.Decoder)
	if !ok {
		return nil, fmt.Errorf("zstd decoder unavailable: %v", v)
	}
	defer c.decoderPool.Put(dec)
	out, err := dec.DecodeAll(data, make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("zstd payload decodes to %d bytes, header says %d", len(out), rawLen)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
