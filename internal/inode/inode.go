// Package inode implements the POSIX inode entity and directory entries:
// file types, mode bits, extents, permission checks, and a linear/hashed
// directory lookup whose steady-state structure is left open behind a
// small interface seam — implement linear first, swap the index later.
package inode

import (
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/vexerr"
)

// FileType is the inode's kind.
type FileType uint8

const (
	Regular FileType = iota
	Directory
	Symlink
	VectorFile
	Special
)

// Mode bits, matching the 12 POSIX permission bits plus sticky/setuid/setgid.
const (
	ModePerm  = 0o7777 // all 12 bits
	ModeSetUID = 0o4000
	ModeSetGID = 0o2000
	ModeSticky = 0o1000
)

// Extent is a contiguous run of blocks belonging to an inode.
type Extent struct {
	LogicalStart uint64 // file-relative block offset
	StartBlock   uint64
	Length       uint64 // blocks
}

// Inode is the in-memory, reference-counted representation of an on-disk
// inode.
type Inode struct {
	mu sync.RWMutex

	Number uint64
	Type   FileType
	Mode   uint16
	UID    uint32
	GID    uint32
	Size   uint64
	Blocks uint64
	NLink  uint32
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time

	Extents []Extent

	// VectorHeaderRef points at the vector blob header for VectorFile
	// inodes; zero for non-vector inodes.
	VectorHeaderRef uint64

	refs int32 // open-handle reference count
}

const MaxNLink = 1<<32 - 1

// Ref increments the open-handle reference count.
func (in *Inode) Ref() {
	in.mu.Lock()
	in.refs++
	in.mu.Unlock()
}

// Unref decrements the reference count, returning the count after
// decrementing.
func (in *Inode) Unref() int32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.refs--
	return in.refs
}

// Deletable reports whether the inode may be destroyed: nlink==0 and no
// open handle remains.
func (in *Inode) Deletable() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.NLink == 0 && in.refs <= 0
}

// Link increments nlink, returning vexerr.ErrFileTooLarge if it would
// overflow: creating one more link at MaxNLink returns the saturation
// error instead of wrapping the counter.
func (in *Inode) Link() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.NLink >= MaxNLink {
		return xerrors.Errorf("inode %d: %w", in.Number, vexerr.ErrFileTooLarge)
	}
	in.NLink++
	return nil
}

// Unlink decrements nlink (floor zero).
func (in *Inode) Unlink() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.NLink > 0 {
		in.NLink--
	}
}

// Stat is a read-only snapshot of inode metadata for getattr.
type Stat struct {
	Number uint64
	Type   FileType
	Mode   uint16
	UID    uint32
	GID    uint32
	Size   uint64
	Blocks uint64
	NLink  uint32
	Atime, Mtime, Ctime time.Time
}

func (in *Inode) Stat() Stat {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return Stat{
		Number: in.Number, Type: in.Type, Mode: in.Mode, UID: in.UID, GID: in.GID,
		Size: in.Size, Blocks: in.Blocks, NLink: in.NLink,
		Atime: in.Atime, Mtime: in.Mtime, Ctime: in.Ctime,
	}
}

// AttrPatch is the setattr(2) partial-update type.
type AttrPatch struct {
	Mode *uint16
	UID  *uint32
	GID  *uint32
	Size *uint64
	Mtime *time.Time
}

func (in *Inode) SetAttr(p AttrPatch) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if p.Mode != nil {
		in.Mode = *p.Mode
	}
	if p.UID != nil {
		in.UID = *p.UID
	}
	if p.GID != nil {
		in.GID = *p.GID
	}
	if p.Size != nil {
		in.Size = *p.Size
	}
	if p.Mtime != nil {
		in.Mtime = *p.Mtime
	}
	in.Ctime = time.Now()
}

// Access is the POSIX permission check : superuser bypass, then
// owner/group/other bits in order.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
)

// Check reports whether (uid, gid, isSuper) may perform want on in.
func (in *Inode) Check(uid, gid uint32, isSuper bool, want Access) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if isSuper {
		// superuser bypasses the permission bits entirely, but exec still
		// requires at least one exec bit set for regular files (standard
		// POSIX root exception).
		if want&AccessExec != 0 && in.Type == Regular {
			return in.Mode&0o111 != 0
		}
		return true
	}
	var bits uint16
	switch {
	case uid == in.UID:
		bits = (in.Mode >> 6) & 0o7
	case gid == in.GID:
		bits = (in.Mode >> 3) & 0o7
	default:
		bits = in.Mode & 0o7
	}
	var want3 uint16
	if want&AccessRead != 0 {
		want3 |= 0o4
	}
	if want&AccessWrite != 0 {
		want3 |= 0o2
	}
	if want&AccessExec != 0 {
		want3 |= 0o1
	}
	return bits&want3 == want3
}

// CheckDeletable applies the sticky-bit restriction: delete in a sticky
// directory requires the deleter to own the entry or the directory.
func CheckDeletable(dir *Inode, entry *Inode, uid uint32, isSuper bool) bool {
	dir.mu.RLock()
	sticky := dir.Mode&ModeSticky != 0
	dirUID := dir.UID
	dir.mu.RUnlock()
	if isSuper || !sticky {
		return true
	}
	entry.mu.RLock()
	entryUID := entry.UID
	entry.mu.RUnlock()
	return uid == dirUID || uid == entryUID
}

// AllowSetUIDGID reports whether setuid/setgid may be applied: forbidden on
// directories for non-superusers.
func AllowSetUIDGID(t FileType, isSuper bool) bool {
	if t != Directory {
		return true
	}
	return isSuper
}
