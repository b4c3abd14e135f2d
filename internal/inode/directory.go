package inode

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// DirEntry is one packed directory record: (inode, name-length,
// entry-length, name-bytes).
type DirEntry struct {
	Inode      uint64
	Name       string
	EntryLen   uint16 // on-disk padded length, for in-place removal/merge
}

const dirEntryHeaderSize = 8 + 2 + 2 // inode + namelen + entrylen

// EncodeEntry serializes e, padding to a 4-byte boundary so entries can be
// removed in place by zeroing the inode field (ext-style tombstone).
func EncodeEntry(e DirEntry) []byte {
	raw := dirEntryHeaderSize + len(e.Name)
	padded := (raw + 3) &^ 3
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint64(buf[0:8], e.Inode)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(e.Name)))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(padded))
	copy(buf[12:], e.Name)
	return buf
}

// DecodeEntries parses a directory data block into its entries, skipping
// tombstoned (inode==0) slots.
func DecodeEntries(block []byte) ([]DirEntry, error) {
	var entries []DirEntry
	pos := 0
	for pos+dirEntryHeaderSize <= len(block) {
		ino := binary.LittleEndian.Uint64(block[pos : pos+8])
		nameLen := binary.LittleEndian.Uint16(block[pos+8 : pos+10])
		entryLen := binary.LittleEndian.Uint16(block[pos+10 : pos+12])
		if entryLen == 0 {
			break // end of used region
		}
		if pos+int(entryLen) > len(block) {
			return nil, xerrors.Errorf("inode: directory entry overruns block: %w", vexerr.ErrCorruptedJournal)
		}
		if ino != 0 {
			name := string(block[pos+12 : pos+12+int(nameLen)])
			entries = append(entries, DirEntry{Inode: ino, Name: name, EntryLen: entryLen})
		}
		pos += int(entryLen)
	}
	return entries, nil
}

// Directory indexes a directory inode's entries. Lookup is linear within a
// block; DirIndex below adds a constant-time hash index across blocks. A
// full H-tree/B-tree/extensible hash is left for a later iteration; the
// interface seam for that is the DirIndex type.
type Directory struct {
	blocks [][]DirEntry // one slice of live entries per data block, in block order
	index  *DirIndex
}

// NewDirectory builds a Directory (and its hash index) from decoded blocks.
func NewDirectory(blocks [][]byte) (*Directory, error) {
	d := &Directory{index: NewDirIndex()}
	for _, b := range blocks {
		entries, err := DecodeEntries(b)
		if err != nil {
			return nil, err
		}
		d.blocks = append(d.blocks, entries)
		blockIdx := len(d.blocks) - 1
		for _, e := range entries {
			d.index.Put(e.Name, blockIdx)
		}
	}
	return d, nil
}

// Lookup finds name, using the hash index to pick the candidate block, then
// scanning linearly within it: lookup is linear within a block and
// constant across blocks via a small hash index.
func (d *Directory) Lookup(name string) (DirEntry, bool) {
	if blockIdx, ok := d.index.Get(name); ok {
		for _, e := range d.blocks[blockIdx] {
			if e.Name == name {
				return e, true
			}
		}
	}
	// fall back to a full linear scan in case the index is stale.
	for bi, entries := range d.blocks {
		for _, e := range entries {
			if e.Name == name {
				d.index.Put(name, bi)
				return e, true
			}
		}
	}
	return DirEntry{}, false
}

// List returns all entries across all blocks, for readdir.
func (d *Directory) List() []DirEntry {
	var all []DirEntry
	for _, entries := range d.blocks {
		all = append(all, entries...)
	}
	return all
}

// Insert adds an entry to blockIdx's in-memory view (the caller is
// responsible for writing the encoded bytes to the backing block and
// journaling the change).
func (d *Directory) Insert(blockIdx int, e DirEntry) {
	for len(d.blocks) <= blockIdx {
		d.blocks = append(d.blocks, nil)
	}
	d.blocks[blockIdx] = append(d.blocks[blockIdx], e)
	d.index.Put(e.Name, blockIdx)
}

// Remove deletes name from the in-memory view.
func (d *Directory) Remove(name string) bool {
	for bi, entries := range d.blocks {
		for i, e := range entries {
			if e.Name == name {
				d.blocks[bi] = append(entries[:i], entries[i+1:]...)
				d.index.Delete(name)
				return true
			}
		}
	}
	return false
}

// DirIndex is a small hash index: a plain in-memory map from name to the
// data block most recently known to hold it. It is
// explicitly not a persisted structure — on mount it is rebuilt from a
// linear scan, which is why Directory.Lookup always keeps a linear
// fallback. This seam is where an H-tree/B-tree/extensible-hash index would
// replace the map without changing Directory's public surface.
type DirIndex struct {
	byName map[string]int
}

func NewDirIndex() *DirIndex {
	return &DirIndex{byName: make(map[string]int)}
}

func (x *DirIndex) Put(name string, block int)    { x.byName[name] = block }
func (x *DirIndex) Delete(name string)             { delete(x.byName, name) }
func (x *DirIndex) Get(name string) (int, bool) {
	b, ok := x.byName[name]
	return b, ok
}
