// Package agentipc implements the embedding-service registry and wire
// protocol for out-of-process ANN/vector agents. Framing uses the same
// binary.Read/Write-with-checksum idiom internal/journal's on-disk record
// framing follows.
package agentipc

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// MessageType enumerates the wire message kinds.
type MessageType uint16

const (
	MsgServiceRegister   MessageType = 0x0001
	MsgServiceUnregister MessageType = 0x0002
	MsgHeartbeat         MessageType = 0x0003
	MsgDiscovery         MessageType = 0x0004

	MsgEmbeddingRequest       MessageType = 0x0100
	MsgEmbeddingResponse      MessageType = 0x0101
	MsgBatchEmbeddingRequest  MessageType = 0x0102
	MsgBatchEmbeddingResponse MessageType = 0x0103

	MsgStatusRequest  MessageType = 0x0200
	MsgStatusResponse MessageType = 0x0201
	MsgHealthCheck    MessageType = 0x0202
	MsgHealthResponse MessageType = 0x0203

	MsgError MessageType = 0x0300
	MsgAck   MessageType = 0x0301
	MsgNack  MessageType = 0x0302

	// MsgSemanticEvent carries one semantic.Event from an out-of-process
	// agent into the kernel-side event journal (or vice versa), the wire
	// counterpart of semantic.Bridge.IngestRemote.
	MsgSemanticEvent MessageType = 0x0400
)

// magic identifies the wire protocol.
const magic uint32 = 0x56455849 // "VEXI"

const protocolVersion uint16 = 1

// Protocol limits.
const (
	MaxMessageBytes = 16 << 20
	MaxDimension    = 8192
	MaxBatch        = 1000
)

// ResponseCode classifies the outcome of an agent request.
type ResponseCode uint8

const (
	CodeSuccess ResponseCode = iota
	CodeError
	CodeTimeout
	CodeOverloaded
	CodeInvalidRequest
	CodeModelNotFound
	CodeInternalError
)

// Flags is a message-level bitmask reserved for compression/ack-required
// bits; only the one currently consumed is defined.
type Flags uint16

const FlagRequiresAck Flags = 1 << 0

// MessageHeader is the fixed preamble of every wire message: magic,
// version, type, length, correlation id, timestamp, flags, checksum.
// Checksum covers the header-with-zeroed-checksum-field plus body, the
// same CRC32-IEEE-over-buffer-with-patched-field idiom internal/journal's
// record framing uses.
type MessageHeader struct {
	Magic     uint32
	Version   uint16
	Type      MessageType
	Length    uint32
	CorrID    uint64
	Timestamp int64
	Flags     Flags
	Checksum  uint32
}

// HeaderSize is the encoded size of MessageHeader.
var HeaderSize = binary.Size(MessageHeader{})

// Encode serializes a header+body into one wire message, writing length and
// checksum in place.
func Encode(typ MessageType, corrID uint64, now int64, flags Flags, body []byte) ([]byte, error) {
	if HeaderSize+len(body) > MaxMessageBytes {
		return nil, xerrors.Errorf("agentipc: encode: %w", vexerr.ErrFileTooLarge)
	}
	h := MessageHeader{
		Magic:     magic,
		Version:   protocolVersion,
		Type:      typ,
		Length:    uint32(HeaderSize + len(body)),
		CorrID:    corrID,
		Timestamp: now,
		Flags:     flags,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return nil, xerrors.Errorf("agentipc: encode header: %w", err)
	}
	buf.Write(body)
	full := buf.Bytes()
	// Checksum field is the last 4 bytes of the header; zero it before
	// summing, matching internal/journal's patch-in-place idiom.
	clearChecksum(full)
	sum := crc32.ChecksumIEEE(full)
	binary.LittleEndian.PutUint32(full[HeaderSize-4:HeaderSize], sum)
	return full, nil
}

func clearChecksum(full []byte) {
	for i := HeaderSize - 4; i < HeaderSize; i++ {
		full[i] = 0
	}
}

// Decode parses a wire message, verifying magic, version, length and
// checksum.
func Decode(raw []byte) (MessageHeader, []byte, error) {
	if len(raw) < HeaderSize {
		return MessageHeader{}, nil, xerrors.Errorf("agentipc: decode: %w", vexerr.ErrInvalidArgument)
	}
	var h MessageHeader
	if err := binary.Read(bytes.NewReader(raw[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return MessageHeader{}, nil, xerrors.Errorf("agentipc: decode header: %w", err)
	}
	if h.Magic != magic {
		return MessageHeader{}, nil, xerrors.Errorf("agentipc: bad magic: %w", vexerr.ErrCorruptedJournal)
	}
	if h.Version != protocolVersion {
		return MessageHeader{}, nil, xerrors.Errorf("agentipc: unsupported version %d: %w", h.Version, vexerr.ErrUnsupportedOp)
	}
	if int(h.Length) != len(raw) {
		return MessageHeader{}, nil, xerrors.Errorf("agentipc: length mismatch: %w", vexerr.ErrInvalidArgument)
	}
	want := h.Checksum
	full := append([]byte(nil), raw...)
	clearChecksum(full)
	got := crc32.ChecksumIEEE(full)
	if got != want {
		return MessageHeader{}, nil, xerrors.Errorf("agentipc: checksum mismatch: %w", vexerr.ErrChecksumMismatch)
	}
	return h, raw[HeaderSize:], nil
}
