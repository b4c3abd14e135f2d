// Package vfs defines the filesystem operation surface as a Go interface,
// the boundary every FUSE/kernel/RPC embodiment adapts to. Keeping it a
// plain interface (rather than a FUSE-specific type) lets
// *vexfs.Filesystem stay independent of github.com/jacobsa/fuse.
package vfs

import (
	"context"
	"time"

	"github.com/vexfs/vexfs/internal/inode"
)

// Handle identifies an open file or directory across calls, opaque to the
// caller.
type Handle uint64

// DirEntry is one name/inode/type triple returned by ReadDir.
type DirEntry struct {
	Name  string
	Inode uint64
	Type  inode.FileType
}

// StatFS reports aggregate filesystem space/inode usage.
type StatFS struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	TotalInodes uint64
	FreeInodes  uint64
}

// Credentials carries the caller identity used for permission checks.
type Credentials struct {
	UID, GID uint32
	Super    bool
}

// FileSystem is the full operation surface: lookup, attribute access,
// directory operations, read/write/truncate, symlink, rename, and the
// vector-native extensions. Vector read/write/search route through the
// same underlying storage as file read/write, exposed here as dedicated
// methods so a FUSE adapter or agent RPC layer can expose them as distinct
// verbs.
type FileSystem interface {
	Lookup(ctx context.Context, parent uint64, name string) (*inode.Stat, error)
	GetAttr(ctx context.Context, ino uint64) (*inode.Stat, error)
	SetAttr(ctx context.Context, ino uint64, patch inode.AttrPatch, creds Credentials) (*inode.Stat, error)

	Mkdir(ctx context.Context, parent uint64, name string, mode uint16, creds Credentials) (*inode.Stat, error)
	Rmdir(ctx context.Context, parent uint64, name string, creds Credentials) error
	Create(ctx context.Context, parent uint64, name string, mode uint16, creds Credentials) (*inode.Stat, error)
	Unlink(ctx context.Context, parent uint64, name string, creds Credentials) error
	Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string, creds Credentials) error
	Link(ctx context.Context, ino uint64, newParent uint64, newName string, creds Credentials) error
	Symlink(ctx context.Context, parent uint64, name, target string, creds Credentials) (*inode.Stat, error)
	Readlink(ctx context.Context, ino uint64) (string, error)

	Open(ctx context.Context, ino uint64, creds Credentials) (Handle, error)
	Release(ctx context.Context, h Handle) error
	Read(ctx context.Context, h Handle, offset int64, length int) ([]byte, error)
	Write(ctx context.Context, h Handle, offset int64, data []byte) (int, error)
	Truncate(ctx context.Context, ino uint64, size uint64, creds Credentials) error
	Fsync(ctx context.Context, h Handle) error

	OpenDir(ctx context.Context, ino uint64, creds Credentials) (Handle, error)
	ReadDir(ctx context.Context, h Handle, offset int) ([]DirEntry, error)

	// CreateVector creates a VectorFile inode and writes its initial payload.
	CreateVector(ctx context.Context, parent uint64, name string, dim uint32, vector []float32, creds Credentials) (*inode.Stat, error)
	ReadVector(ctx context.Context, ino uint64) ([]float32, error)
	SearchVectors(ctx context.Context, query []float32, k int) ([]SearchHit, error)

	StatFS(ctx context.Context) (StatFS, error)
	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error

	// Ioctl dispatches an out-of-band control command against h, in the
	// arg/result shape IoctlCmd documents. Unknown commands return
	// vexerr.ErrUnknownIoctl (ENOTTY).
	Ioctl(ctx context.Context, h Handle, cmd IoctlCmd, arg any) (any, error)
}

// IoctlCmd numbers the control commands Ioctl understands, analogous to a
// POSIX ioctl(2) request code.
type IoctlCmd uint32

const (
	// IoctlGetStatus takes no argument and returns an IoctlStatus.
	IoctlGetStatus IoctlCmd = 1
	// IoctlVectorSearch takes an IoctlVectorSearchArg and returns
	// []SearchHit.
	IoctlVectorSearch IoctlCmd = 2
	// IoctlCreateSnapshot takes an IoctlCreateSnapshotArg and returns an
	// IoctlSnapshotResult.
	IoctlCreateSnapshot IoctlCmd = 3
	// IoctlDeleteSnapshot takes an IoctlDeleteSnapshotArg and returns nil.
	IoctlDeleteSnapshot IoctlCmd = 4
	// IoctlSetDataJournalingMode takes an IoctlSetJournalModeArg and
	// returns nil.
	IoctlSetDataJournalingMode IoctlCmd = 5
)

// IoctlStatus is IoctlGetStatus's result: a coarse health/capacity summary,
// cheaper for an agent to poll than a full StatFS plus index walk.
type IoctlStatus struct {
	Mounted       bool
	JournalMode   int
	TotalBlocks   uint64
	FreeBlocks    uint64
	IndexSize     int
	OpenHandles   int
}

// IoctlVectorSearchArg is IoctlVectorSearch's argument.
type IoctlVectorSearchArg struct {
	Query []float32
	K     int
}

// IoctlCreateSnapshotArg is IoctlCreateSnapshot's argument.
type IoctlCreateSnapshotArg struct {
	Name      string
	RootInode uint64
	Parent    uint64
	HasParent bool
}

// IoctlSnapshotResult is IoctlCreateSnapshot's result.
type IoctlSnapshotResult struct {
	ID uint64
}

// IoctlDeleteSnapshotArg is IoctlDeleteSnapshot's argument.
type IoctlDeleteSnapshotArg struct {
	ID uint64
}

// IoctlSetJournalModeArg is IoctlSetDataJournalingMode's argument. Mode is
// an int rather than internal/journal.Mode so this package stays free of a
// dependency on internal/journal; the FileSystem implementation converts.
type IoctlSetJournalModeArg struct {
	Mode int
}

// SearchHit is one ANN search result, surfaced at the VFS
// boundary for ioctl/agent-facing similarity queries.
type SearchHit struct {
	Inode    uint64
	Distance float32
}

// AccessTime returns a canonical "now" for atime/mtime/ctime stamping,
// factored out so tests can substitute a fixed clock.
var AccessTime = time.Now
