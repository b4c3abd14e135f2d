// Package vector implements the typed vector blob format: a header that
// carries a CRC-32 of the stored bytes, followed by the optionally
// compressed payload. Compression uses compress/zlib with a fresh
// zlib.Writer per blob; decoding validates the magic number before trusting
// the rest of the structure.
package vector

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// DType is the stored element type.
type DType uint8

const (
	F32 DType = iota
	F16
	I8
	Binary
)

// Stride returns the byte size for one element of dt, or for Binary, the
// number of header-declared bytes implied by dim (ceil(dim/8)).
func Stride(dt DType, dim uint32) int {
	switch dt {
	case F32:
		return 4
	case F16:
		return 2
	case I8:
		return 1
	case Binary:
		return int((dim + 7) / 8)
	}
	return 0
}

// Compression selects the optional payload codec.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressLZ4          // realized with klauspost/compress/flate's fast mode
	CompressZlib
)

const blobMagic uint32 = 0x56455642 // "VEVB"
const blobVersion uint16 = 1

// Header prefixes every stored vector blob.
type Header struct {
	Magic        uint32
	Version      uint16
	VectorID     uint64
	OwningInode  uint64
	DType        DType
	Compression  Compression
	Dimensions   uint32
	OriginalSize uint32
	StoredSize   uint32
	CreatedAt    time.Time
	ModifiedAt   time.Time
	CRC          uint32
	Flags        uint32
}

type wireHeader struct {
	Magic        uint32
	Version      uint16
	DType        uint8
	Compression  uint8
	VectorID     uint64
	OwningInode  uint64
	Dimensions   uint32
	OriginalSize uint32
	StoredSize   uint32
	CreatedUnix  int64
	ModifiedUnix int64
	Flags        uint32
	CRC          uint32
}

// Blob is a decoded vector: its header plus the dense payload bytes.
type Blob struct {
	Header  Header
	Payload []byte // raw element bytes, decompressed
}

// Encode compresses payload per c, builds the header, computes the CRC over
// the *compressed* on-disk payload (so a CRC mismatch also catches storage
// corruption of the compressed bytes directly), and returns the full
// on-disk blob bytes.
func Encode(vectorID, owningInode uint64, dt DType, dim uint32, payload []byte, c Compression) ([]byte, error) {
	wantLen := Stride(dt, dim)
	if dt != Binary {
		wantLen *= int(dim)
	}
	if len(payload) != wantLen {
		return nil, xerrors.Errorf("vector: %w: payload is %d bytes, want %d for dtype %d dim %d", vexerr.ErrInvalidArgument, len(payload), wantLen, dt, dim)
	}
	stored, err := compress(payload, c)
	if err != nil {
		return nil, xerrors.Errorf("vector: compressing payload: %w", err)
	}
	now := time.Now()
	h := wireHeader{
		Magic: blobMagic, Version: blobVersion, DType: uint8(dt), Compression: uint8(c),
		VectorID: vectorID, OwningInode: owningInode, Dimensions: dim,
		OriginalSize: uint32(len(payload)), StoredSize: uint32(len(stored)),
		CreatedUnix: now.Unix(), ModifiedUnix: now.Unix(),
	}
	h.CRC = crc32.ChecksumIEEE(stored)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return nil, xerrors.Errorf("vector: encoding header: %w", err)
	}
	buf.Write(stored)
	return buf.Bytes(), nil
}

// Decode validates magic, version, size, then CRC. A CRC mismatch returns
// vexerr.ErrChecksumMismatch; every other failure returns
// vexerr.ErrCorruptedVector.
func Decode(buf []byte) (*Blob, error) {
	var h wireHeader
	hsz := binary.Size(h)
	if len(buf) < hsz {
		return nil, xerrors.Errorf("vector: %w: buffer shorter than header", vexerr.ErrCorruptedVector)
	}
	if err := binary.Read(bytes.NewReader(buf[:hsz]), binary.LittleEndian, &h); err != nil {
		return nil, xerrors.Errorf("vector: %w: %v", vexerr.ErrCorruptedVector, err)
	}
	if h.Magic != blobMagic {
		return nil, xerrors.Errorf("vector: bad magic %#x: %w", h.Magic, vexerr.ErrCorruptedVector)
	}
	if h.Version != blobVersion {
		return nil, xerrors.Errorf("vector: unsupported version %d: %w", h.Version, vexerr.ErrCorruptedVector)
	}
	if len(buf) < hsz+int(h.StoredSize) {
		return nil, xerrors.Errorf("vector: %w: truncated payload", vexerr.ErrCorruptedVector)
	}
	stored := buf[hsz : hsz+int(h.StoredSize)]
	if crc32.ChecksumIEEE(stored) != h.CRC {
		return nil, xerrors.Errorf("vector: %w", vexerr.ErrChecksumMismatch)
	}
	payload, err := decompress(stored, Compression(h.Compression))
	if err != nil {
		return nil, xerrors.Errorf("vector: %w: %v", vexerr.ErrCorruptedVector, err)
	}
	if uint32(len(payload)) != h.OriginalSize {
		return nil, xerrors.Errorf("vector: %w: decompressed size mismatch", vexerr.ErrCorruptedVector)
	}
	return &Blob{
		Header: Header{
			Magic: h.Magic, Version: h.Version, VectorID: h.VectorID, OwningInode: h.OwningInode,
			DType: DType(h.DType), Compression: Compression(h.Compression), Dimensions: h.Dimensions,
			OriginalSize: h.OriginalSize, StoredSize: h.StoredSize,
			CreatedAt: time.Unix(h.CreatedUnix, 0), ModifiedAt: time.Unix(h.ModifiedUnix, 0),
			CRC: h.CRC, Flags: h.Flags,
		},
		Payload: payload,
	}, nil
}

func compress(p []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressNone:
		return p, nil
	case CompressZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(p); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressLZ4:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(p); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, xerrors.Errorf("vector: unknown compression %d", c)
	}
}

func decompress(p []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressNone:
		return p, nil
	case CompressZlib:
		r, err := zlib.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressLZ4:
		r := flate.NewReader(bytes.NewReader(p))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, xerrors.Errorf("vector: unknown compression %d", c)
	}
}

// EncodeF32 packs a []float32 into the little-endian byte layout Encode
// expects for DType F32.
func EncodeF32(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeF32 is the inverse of EncodeF32.
func DecodeF32(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
