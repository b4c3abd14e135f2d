package semantic

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/flate"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// Format selects the wire encoding Bridge uses for each forwarded event.
type Format uint8

const (
	FormatJSON Format = iota
	FormatMessagePack
	FormatCBOR
	FormatBinary // encoding/gob, matching internal/hnsw/persist.go's snapshot codec
)

// Compression selects the optional payload codec layered under Format.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressGzip
	CompressLZ4 // realized with klauspost/compress/flate's fast mode
)

// BridgeOptions configures a Bridge's wire encoding and subscription.
type BridgeOptions struct {
	Format      Format
	Compression Compression
	// Filter, if non-nil, makes the underlying subscription server-side
	// filtered (see Journal.Subscribe).
	Filter *Query
	// Lossy opts the underlying subscription out of back-pressure.
	Lossy bool
	// SubscriberDepth overrides Config.SubscriberDepth; 0 uses the default.
	SubscriberDepth int
}

// recentWindow bounds how many of a Bridge's own forwarded events it keeps
// around (by GlobalSeq) to detect a same-sequence conflict from the other
// realm.
const recentWindow = 4096

// Bridge forwards journal events across the kernel/userspace boundary into
// a sink, and resolves conflicts when a same-GlobalSeq event arrives from
// the other realm via IngestRemote. One sink per bridge instance so
// multiple bridges (e.g. one per FUSE mount) don't share global state.
type Bridge struct {
	mu    sync.Mutex
	w     io.Writer
	wrote bool
	unsub func()
	done  chan struct{}

	format      Format
	compression Compression

	recent      map[uint64]Event
	recentOrder []uint64
}

// NewBridge opens the sink on w per opts and starts forwarding every event
// j emits (from the moment of the call onward) until Close is called. A
// FormatJSON/CompressNone bridge (the default BridgeOptions{}) uses the
// original tailable JSON-array convention: a leading '[' followed by
// comma-joined JSON objects. Any other format or compression uses
// length-prefixed framing instead, since a compressed or non-textual
// payload can't be appended to a human-readable array.
func NewBridge(j *Journal, w io.Writer, opts BridgeOptions) (*Bridge, error) {
	b := &Bridge{
		w: w, done: make(chan struct{}),
		format: opts.Format, compression: opts.Compression,
		recent: make(map[uint64]Event),
	}
	if b.tailableJSON() {
		if _, err := w.Write([]byte{'['}); err != nil {
			return nil, err
		}
	}
	ch, unsub := j.Subscribe(opts.SubscriberDepth, opts.Filter, opts.Lossy)
	b.unsub = unsub

	go func() {
		for e := range ch {
			b.forwardLocal(e)
		}
		close(b.done)
	}()
	return b, nil
}

func (b *Bridge) tailableJSON() bool {
	return b.format == FormatJSON && b.compression == CompressNone
}

// forwardLocal writes an event this Bridge's own journal produced,
// remembering it so a later IngestRemote for the same GlobalSeq can detect
// the conflict.
func (b *Bridge) forwardLocal(e Event) {
	b.mu.Lock()
	b.remember(e)
	b.mu.Unlock()
	b.writeEvent(e)
}

// IngestRemote accepts an event decoded off the wire from the other realm
// (kernel or userspace, whichever this Bridge isn't). If its GlobalSeq
// collides with an event this Bridge already forwarded, the two are
// resolved with vector-clock-merge: the kept event's Clock becomes the
// elementwise max of both clocks, and its payload is whichever event has
// the higher Priority (ties keep the kernel-origin event, since the
// kernel is authoritative for its own state). Because the sink is
// append-only, a resolved conflict is written as a second record carrying
// the merged event rather than rewriting the first — the same append-a-new-
// version-instead-of-mutating convention internal/txn's MVCC chain uses.
func (b *Bridge) IngestRemote(e Event) {
	b.mu.Lock()
	local, conflict := b.recent[e.GlobalSeq]
	if conflict {
		e = resolveConflict(local, e)
	}
	b.remember(e)
	b.mu.Unlock()
	b.writeEvent(e)
}

func resolveConflict(a, b Event) Event {
	winner := a
	if b.Priority > a.Priority || (b.Priority == a.Priority && a.Origin != "kernel" && b.Origin == "kernel") {
		winner = b
	}
	winner.Clock = a.Clock.Merge(b.Clock)
	return winner
}

// remember must be called with b.mu held.
func (b *Bridge) remember(e Event) {
	if _, ok := b.recent[e.GlobalSeq]; !ok {
		b.recentOrder = append(b.recentOrder, e.GlobalSeq)
		if len(b.recentOrder) > recentWindow {
			evict := b.recentOrder[0]
			b.recentOrder = b.recentOrder[1:]
			delete(b.recent, evict)
		}
	}
	b.recent[e.GlobalSeq] = e
}

func (b *Bridge) writeEvent(e Event) {
	buf, err := encodeEvent(e, b.format)
	if err != nil {
		return
	}
	buf, err = compressPayload(buf, b.compression)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tailableJSON() {
		if b.wrote {
			b.w.Write([]byte{','})
		}
		b.wrote = true
		b.w.Write(buf)
		return
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	b.w.Write(lenPrefix[:])
	b.w.Write(buf)
}

func encodeEvent(e Event, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(e)
	case FormatMessagePack:
		return msgpack.Marshal(e)
	case FormatCBOR:
		return cbor.Marshal(e)
	case FormatBinary:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(e); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, xerrors.Errorf("semantic: %w: unknown format %d", vexerr.ErrInvalidArgument, f)
	}
}

func compressPayload(p []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressNone:
		return p, nil
	case CompressGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
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
		return nil, xerrors.Errorf("semantic: %w: unknown compression %d", vexerr.ErrInvalidArgument, c)
	}
}

// Close stops forwarding and unblocks once the forwarding goroutine drains.
// The trailing ']' of the tailable JSON array format is intentionally
// omitted so a reader can tail the file while it's still being written.
func (b *Bridge) Close() {
	b.unsub()
	<-b.done
}
