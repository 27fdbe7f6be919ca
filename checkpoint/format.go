package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/nexusstate/compressors"
	"github.com/INLOpen/nexusstate/core"
)

// File layout (little endian):
//
//	magic(4) version(1) compression(1) reserved(2) batchID(8)
//	entryCount(8) rawLen(8) payloadLen(8) payload(payloadLen) crc32c(4)
//
// The checksum covers the header and the payload. The payload, once
// decompressed, is entryCount records of
//
//	flags(1) uvarint(keyLen) key uvarint(valueLen) value
const (
	headerSize   = 40
	checksumSize = 4

	flagTombstone byte = 1 << 0
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var errChecksumMismatch = errors.New("checksum mismatch")

type fileHeader struct {
	Magic       uint32
	Version     uint8
	Compression core.CompressionType
	BatchID     core.BatchID
	EntryCount  uint64
	RawLen      uint64
	PayloadLen  uint64
}

func (h fileHeader) marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Magic)
	dst[4] = h.Version
	dst[5] = byte(h.Compression)
	dst[6], dst[7] = 0, 0
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.BatchID))
	binary.LittleEndian.PutUint64(dst[16:24], h.EntryCount)
	binary.LittleEndian.PutUint64(dst[24:32], h.RawLen)
	binary.LittleEndian.PutUint64(dst[32:40], h.PayloadLen)
}

func unmarshalHeader(src []byte) fileHeader {
	return fileHeader{
		Magic:       binary.LittleEndian.Uint32(src[0:4]),
		Version:     src[4],
		Compression: core.CompressionType(src[5]),
		BatchID:     core.BatchID(binary.LittleEndian.Uint64(src[8:16])),
		EntryCount:  binary.LittleEndian.Uint64(src[16:24]),
		RawLen:      binary.LittleEndian.Uint64(src[24:32]),
		PayloadLen:  binary.LittleEndian.Uint64(src[32:40]),
	}
}

// encodeFile serializes ops into a complete delta or snapshot file.
func encodeFile(magic uint32, batch core.BatchID, ops []core.Op, compressor core.Compressor) ([]byte, error) {
	raw := core.BufferPool.Get()
	defer core.BufferPool.Put(raw)

	var lenBuf [binary.MaxVarintLen64]byte
	for _, op := range ops {
		var flags byte
		if op.Tombstone {
			flags |= flagTombstone
		}
		raw.WriteByte(flags)
		n := binary.PutUvarint(lenBuf[:], uint64(len(op.Key)))
		raw.Write(lenBuf[:n])
		raw.Write(op.Key)
		n = binary.PutUvarint(lenBuf[:], uint64(len(op.Value)))
		raw.Write(lenBuf[:n])
		raw.Write(op.Value)
	}

	ct := compressor.Type()
	payload, err := compressor.Compress(raw.Bytes())
	if err != nil || len(payload) >= raw.Len() {
		if err != nil && !errors.Is(err, compressors.ErrIncompressible) {
			return nil, fmt.Errorf("compress %s payload: %w", ct, err)
		}
		// Store small or incompressible payloads as-is.
		ct = core.CompressionNone
		payload = raw.Bytes()
	}

	h := fileHeader{
		Magic:       magic,
		Version:     core.FormatVersion,
		Compression: ct,
		BatchID:     batch,
		EntryCount:  uint64(len(ops)),
		RawLen:      uint64(raw.Len()),
		PayloadLen:  uint64(len(payload)),
	}
	out := make([]byte, headerSize+len(payload)+checksumSize)
	h.marshal(out[:headerSize])
	copy(out[headerSize:], payload)
	sum := crc32.Checksum(out[:headerSize+len(payload)], crcTable)
	binary.LittleEndian.PutUint32(out[headerSize+len(payload):], sum)
	return out, nil
}

// decodeFile verifies and parses a file produced by encodeFile. The returned
// ops reference freshly allocated memory and may be retained.
func decodeFile(data []byte, wantMagic uint32, wantBatch core.BatchID) ([]core.Op, error) {
	if len(data) < headerSize+checksumSize {
		return nil, fmt.Errorf("file too short: %d bytes", len(data))
	}
	h := unmarshalHeader(data[:headerSize])
	if h.Magic != wantMagic {
		return nil, fmt.Errorf("invalid magic number: got %x, want %x", h.Magic, wantMagic)
	}
	if h.Version != core.FormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", h.Version)
	}
	if h.BatchID != wantBatch {
		return nil, fmt.Errorf("header batch %d does not match file name batch %d", h.BatchID, wantBatch)
	}
	if uint64(len(data)) != uint64(headerSize)+h.PayloadLen+checksumSize {
		return nil, fmt.Errorf("file length %d does not match payload length %d", len(data), h.PayloadLen)
	}
	end := headerSize + int(h.PayloadLen)
	if crc32.Checksum(data[:end], crcTable) != binary.LittleEndian.Uint32(data[end:]) {
		return nil, errChecksumMismatch
	}

	compressor, err := compressors.Get(h.Compression)
	if err != nil {
		return nil, err
	}
	raw, err := compressor.Decompress(data[headerSize:end], int(h.RawLen))
	if err != nil {
		return nil, fmt.Errorf("decompress %s payload: %w", h.Compression, err)
	}
	if h.Compression == core.CompressionNone {
		raw = append([]byte(nil), raw...)
	}

	ops := make([]core.Op, 0, h.EntryCount)
	for i := uint64(0); i < h.EntryCount; i++ {
		if len(raw) < 1 {
			return nil, fmt.Errorf("record %d truncated", i)
		}
		flags := raw[0]
		raw = raw[1:]
		key, rest, err := readBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d key: %w", i, err)
		}
		value, rest, err := readBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("record %d value: %w", i, err)
		}
		raw = rest
		ops = append(ops, core.Op{Key: key, Value: value, Tombstone: flags&flagTombstone != 0})
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d records", len(raw), h.EntryCount)
	}
	return ops, nil
}

func readBytes(src []byte) ([]byte, []byte, error) {
	n, w := binary.Uvarint(src)
	if w <= 0 {
		return nil, nil, errors.New("invalid length prefix")
	}
	src = src[w:]
	if uint64(len(src)) < n {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(src))
	}
	// Full slice expression so appends by a caller never clobber the next record.
	return src[:n:n], src[n:], nil
}
