package hnsw

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// Op is one entry in the incremental append log: inserts and deletes
// append here between periodic compactions that rewrite a dense snapshot.
type Op struct {
	Kind   OpKind
	ID     uint64
	Vector []float32
}

type OpKind uint8

const (
	OpInsert OpKind = iota
	OpDelete
)

// gobNode is the persisted shape of a node (gob needs exported fields).
type gobNode struct {
	ID        uint64
	Vector    []float32
	MaxLayer  int
	Neighbors [][]uint64
	Tombstone bool
}

// Snapshot serializes the full graph into a dense byte stream: the
// periodic-compaction counterpart to the incremental append log. Uses
// encoding/gob, a whole-struct codec that needs no schema file for an
// internal-only graph format.
func (g *Graph) Snapshot(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	enc := gob.NewEncoder(w)
	nodes := make([]gobNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, gobNode{ID: n.id, Vector: n.vector, MaxLayer: n.maxLayer, Neighbors: n.neighbors, Tombstone: n.tombstone})
	}
	hdr := struct {
		Entry    uint64
		HasEntry bool
		Params   Params
		Nodes    []gobNode
	}{g.entry, g.hasEntry, g.params, nodes}
	if err := enc.Encode(hdr); err != nil {
		return xerrors.Errorf("hnsw: snapshot encode: %w", err)
	}
	return nil
}

// LoadSnapshot reconstructs a Graph from a Snapshot stream.
func LoadSnapshot(r io.Reader) (*Graph, error) {
	dec := gob.NewDecoder(r)
	var hdr struct {
		Entry    uint64
		HasEntry bool
		Params   Params
		Nodes    []gobNode
	}
	if err := dec.Decode(&hdr); err != nil {
		return nil, xerrors.Errorf("hnsw: snapshot decode: %w", err)
	}
	g := New(hdr.Params)
	g.entry = hdr.Entry
	g.hasEntry = hdr.HasEntry
	for _, n := range hdr.Nodes {
		g.nodes[n.ID] = &node{id: n.ID, vector: n.Vector, maxLayer: n.MaxLayer, neighbors: n.Neighbors, tombstone: n.Tombstone}
	}
	return g, nil
}

// AppendOp encodes one incremental log entry as {kind}{id}{dim}{vector...}.
func AppendOp(w io.Writer, op Op) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(op.Kind))
	binary.Write(&buf, binary.LittleEndian, op.ID)
	binary.Write(&buf, binary.LittleEndian, uint32(len(op.Vector)))
	for _, f := range op.Vector {
		binary.Write(&buf, binary.LittleEndian, f)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadOp decodes one incremental log entry from r.
func ReadOp(r io.Reader) (Op, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return Op{}, err
	}
	var id uint64
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return Op{}, xerrors.Errorf("hnsw: reading op id: %w", err)
	}
	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return Op{}, xerrors.Errorf("hnsw: reading op dim: %w", err)
	}
	vec := make([]float32, dim)
	for i := range vec {
		if err := binary.Read(r, binary.LittleEndian, &vec[i]); err != nil {
			return Op{}, xerrors.Errorf("hnsw: reading op vector: %w", err)
		}
	}
	return Op{Kind: OpKind(kindByte[0]), ID: id, Vector: vec}, nil
}

// ReplayLog applies a sequence of ops read from r onto g, in order.
func ReplayLog(g *Graph, r io.Reader) error {
	for {
		op, err := ReadOp(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("hnsw: %w: %v", vexerr.ErrCorruptedJournal, err)
		}
		switch op.Kind {
		case OpInsert:
			if err := g.Insert(op.ID, op.Vector); err != nil {
				return err
			}
		case OpDelete:
			if err := g.Delete(op.ID); err != nil {
				return err
			}
		}
	}
}
