/*
	This file supports serialization of tile arrays and compression of stored data.
*/

package supertile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/ctessum/sparse"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Compression is the format of compression for storing data.
// NOTE: Should be no more than 8 (3 bits) of compression types.
type Compression uint8

const (
	Uncompressed Compression = 0
	Snappy                   = 1 << iota
	Gzip
)

func (compress Compression) String() string {
	switch compress {
	case Uncompressed:
		return "No compression"
	case Snappy:
		return "Go Snappy compression"
	case Gzip:
		return "Gzip compression"
	default:
		return "Unknown compression"
	}
}

// Checksum is the type of checksum employed for error checking stored data.
// NOTE: Should be no more than 4 (2 bits) of checksum types.
type Checksum uint8

const (
	NoChecksum Checksum = 0
	CRC32               = 1 << iota
)

func (checksum Checksum) String() string {
	switch checksum {
	case NoChecksum:
		return "No checksum"
	case CRC32:
		return "CRC32 checksum"
	default:
		return "Unknown checksum"
	}
}

// SerializationFormat is a single byte combining both compression and checksum methods.
type SerializationFormat uint8

func EncodeSerializationFormat(compress Compression, checksum Checksum) SerializationFormat {
	a := (uint8(compress) & 0x07) << 5
	b := (uint8(checksum) & 0x03) << 3
	return SerializationFormat(a | b)
}

func DecodeSerializationFormat(s SerializationFormat) (compress Compression, checksum Checksum) {
	compress = Compression(uint8(s) >> 5)
	checksum = Checksum((uint8(s) >> 3) & 0x03)
	return
}

// SerializeData serializes a slice of bytes using optional compression, checksum.
// The format byte is written first so stored blocks are self-describing.
func SerializeData(data []byte, compress Compression, checksum Checksum) (s []byte, err error) {
	var buffer bytes.Buffer

	// Store the requested compression and checksum
	format := EncodeSerializationFormat(compress, checksum)
	if err = binary.Write(&buffer, binary.LittleEndian, format); err != nil {
		return
	}

	// Handle compression if requested
	var byteData []byte
	switch compress {
	case Uncompressed:
		byteData = data
	case Snappy:
		byteData = snappy.Encode(nil, data)
	case Gzip:
		var gzipped bytes.Buffer
		zw := gzip.NewWriter(&gzipped)
		if _, err = zw.Write(data); err != nil {
			return
		}
		if err = zw.Close(); err != nil {
			return
		}
		byteData = gzipped.Bytes()
	default:
		err = fmt.Errorf("illegal compression (%s) during serialization", compress)
	}
	if err != nil {
		return
	}

	// Handle checksum if requested
	switch checksum {
	case NoChecksum:
	case CRC32:
		crcChecksum := crc32.ChecksumIEEE(byteData)
		err = binary.Write(&buffer, binary.LittleEndian, crcChecksum)
	default:
		err = fmt.Errorf("illegal checksum (%s) in SerializeData()", checksum)
	}
	if err == nil {
		// Note the actual data is written last, after any checksum so we don't have to
		// worry about length when deserializing.
		_, err = buffer.Write(byteData)
		if err == nil {
			s = buffer.Bytes()
		}
	}
	return
}

// DeserializeData deserializes a slice of bytes using stored compression, checksum.
// If uncompress parameter is false, the data is not uncompressed.
func DeserializeData(s []byte, uncompress bool) (data []byte, compress Compression, err error) {
	buffer := bytes.NewBuffer(s)

	// Get the stored compression and checksum
	var format SerializationFormat
	if err = binary.Read(buffer, binary.LittleEndian, &format); err != nil {
		return
	}
	var checksum Checksum
	compress, checksum = DecodeSerializationFormat(format)

	// Get any checksum.
	var storedCrc32 uint32
	switch checksum {
	case NoChecksum:
	case CRC32:
		err = binary.Read(buffer, binary.LittleEndian, &storedCrc32)
	default:
		err = fmt.Errorf("illegal checksum in deserializing data")
	}
	if err != nil {
		return
	}

	// Get the possibly compressed data.
	cdata := buffer.Bytes()

	// Perform any requested checksum
	switch checksum {
	case CRC32:
		crcChecksum := crc32.ChecksumIEEE(cdata)
		if crcChecksum != storedCrc32 {
			err = fmt.Errorf("bad checksum.  Stored %x got %x", storedCrc32, crcChecksum)
			return
		}
	}

	// Uncompress if needed
	if uncompress {
		switch compress {
		case Uncompressed:
			data = cdata
		case Snappy:
			data, err = snappy.Decode(nil, cdata)
		case Gzip:
			var zr *gzip.Reader
			zr, err = gzip.NewReader(bytes.NewBuffer(cdata))
			if err != nil {
				return
			}
			data, err = io.ReadAll(zr)
			if err != nil {
				return
			}
			err = zr.Close()
		default:
			err = fmt.Errorf("illegal compression format (%d) in deserialization", compress)
		}
	}
	return
}

// DataType distinguishes the on-disk element encodings for tile arrays.
type DataType uint8

const (
	Float32 DataType = 4
	Float64 DataType = 8
)

// tileMagic starts every encoded tile so format mismatches fail fast
// instead of decoding garbage.
var tileMagic = [3]byte{'S', 'T', '1'}

// EncodeTile encodes a 2d tile array into bytes: a small header (magic, element
// type, dimensions) followed by little-endian elements.  Float32 loses precision
// relative to the in-memory float64 elements and is the compact format used by
// the compressed and key-value backends.
func EncodeTile(tile *sparse.DenseArray, dtype DataType) ([]byte, error) {
	if len(tile.Shape) != 2 {
		return nil, fmt.Errorf("can't encode tile with %d dimensions, expected 2", len(tile.Shape))
	}
	nx, ny := tile.Shape[0], tile.Shape[1]
	var elemSize int
	switch dtype {
	case Float32:
		elemSize = 4
	case Float64:
		elemSize = 8
	default:
		return nil, fmt.Errorf("unknown tile element type %d", dtype)
	}
	buf := make([]byte, 12+nx*ny*elemSize)
	copy(buf[0:3], tileMagic[:])
	buf[3] = byte(dtype)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(nx))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(ny))
	off := 12
	switch dtype {
	case Float32:
		for _, v := range tile.Elements {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
			off += 4
		}
	case Float64:
		for _, v := range tile.Elements {
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
			off += 8
		}
	}
	return buf, nil
}

// DecodeTile decodes bytes written by EncodeTile back into a 2d array.
func DecodeTile(b []byte) (*sparse.DenseArray, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("encoded tile too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[0:3], tileMagic[:]) {
		return nil, fmt.Errorf("bad magic %q in encoded tile", b[0:3])
	}
	dtype := DataType(b[3])
	nx := int(binary.LittleEndian.Uint32(b[4:8]))
	ny := int(binary.LittleEndian.Uint32(b[8:12]))
	var elemSize int
	switch dtype {
	case Float32:
		elemSize = 4
	case Float64:
		elemSize = 8
	default:
		return nil, fmt.Errorf("unknown tile element type %d", dtype)
	}
	// Compare element counts by division; multiplying the header dimensions
	// can overflow on crafted input and slip past a byte-length check.
	payload := len(b) - 12
	if payload%elemSize != 0 || uint64(nx)*uint64(ny) != uint64(payload/elemSize) {
		return nil, fmt.Errorf("encoded %dx%d tile has %d payload bytes, expected %d elements of %d bytes",
			nx, ny, payload, uint64(nx)*uint64(ny), elemSize)
	}
	tile := sparse.ZerosDense(nx, ny)
	off := 12
	switch dtype {
	case Float32:
		for i := range tile.Elements {
			tile.Elements[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
			off += 4
		}
	case Float64:
		for i := range tile.Elements {
			tile.Elements[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
			off += 8
		}
	}
	return tile, nil
}
