package vexfs

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/journal"
	"github.com/vexfs/vexfs/internal/semantic"
	"github.com/vexfs/vexfs/internal/txn"
	"github.com/vexfs/vexfs/internal/vector"
	"github.com/vexfs/vexfs/internal/vexerr"
	"github.com/vexfs/vexfs/internal/vfs"
)

// The methods in this file complete *Filesystem's implementation of
// vfs.FileSystem, dispatching to internal/inode for metadata, internal/txn
// for transactional write paths, and internal/fileio for the actual data
// movement.

var _ vfs.FileSystem = (*Filesystem)(nil)

func (fs *Filesystem) dirNodeLocked(ino uint64) (*dirNode, error) {
	d, ok := fs.dirs[ino]
	if !ok {
		return nil, xerrors.Errorf("vexfs: inode %d: %w", ino, vexerr.ErrNotDirectory)
	}
	return d, nil
}

func (fs *Filesystem) Lookup(ctx context.Context, parent uint64, name string) (*inode.Stat, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	d, err := fs.dirNodeLocked(parent)
	if err != nil {
		return nil, err
	}
	entry, ok := d.dir.Lookup(name)
	if !ok {
		return nil, vexerr.ErrNotFound
	}
	in, ok := fs.inodes[entry.Inode]
	if !ok {
		return nil, vexerr.ErrNotFound
	}
	st := in.Stat()
	return &st, nil
}

func (fs *Filesystem) GetAttr(ctx context.Context, ino uint64) (*inode.Stat, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	in, ok := fs.inodes[ino]
	if !ok {
		return nil, vexerr.ErrNotFound
	}
	st := in.Stat()
	return &st, nil
}

func (fs *Filesystem) SetAttr(ctx context.Context, ino uint64, patch inode.AttrPatch, creds vfs.Credentials) (*inode.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, ok := fs.inodes[ino]
	if !ok {
		return nil, vexerr.ErrNotFound
	}
	if !creds.Super && creds.UID != in.UID {
		return nil, vexerr.ErrPermissionDenied
	}
	in.SetAttr(patch)
	st := in.Stat()
	fs.events.Emit(semantic.Event{Type: semantic.KindAttrChange}, "")
	return &st, nil
}

func (fs *Filesystem) createEntry(parent uint64, name string, typ inode.FileType, mode uint16, creds vfs.Credentials) (*inode.Inode, error) {
	d, err := fs.dirNodeLocked(parent)
	if err != nil {
		return nil, err
	}
	if _, exists := d.dir.Lookup(name); exists {
		return nil, vexerr.ErrAlreadyExists
	}
	now := time.Now()
	num := fs.allocInodeNumber()
	in := &inode.Inode{
		Number: num, Type: typ, Mode: mode, UID: creds.UID, GID: creds.GID,
		NLink: 1, Atime: now, Mtime: now, Ctime: now,
	}
	if typ == inode.Directory {
		in.NLink = 2
	}
	fs.inodes[num] = in
	d.dir.Insert(0, inode.DirEntry{Inode: num, Name: name})
	return in, nil
}

func (fs *Filesystem) Mkdir(ctx context.Context, parent uint64, name string, mode uint16, creds vfs.Credentials) (*inode.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.createEntry(parent, name, inode.Directory, mode, creds)
	if err != nil {
		return nil, err
	}
	sub, _ := inode.NewDirectory(nil)
	fs.dirs[in.Number] = &dirNode{in: in, dir: sub}
	fs.events.Emit(semantic.Event{Type: semantic.KindDirCreate}, "")
	st := in.Stat()
	return &st, nil
}

func (fs *Filesystem) Rmdir(ctx context.Context, parent uint64, name string, creds vfs.Credentials) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, err := fs.dirNodeLocked(parent)
	if err != nil {
		return err
	}
	entry, ok := d.dir.Lookup(name)
	if !ok {
		return vexerr.ErrNotFound
	}
	target, ok := fs.dirs[entry.Inode]
	if !ok {
		return xerrors.Errorf("vexfs: %w", vexerr.ErrNotDirectory)
	}
	if len(target.dir.List()) > 0 {
		return xerrors.Errorf("vexfs: directory not empty: %w", vexerr.ErrInvalidArgument)
	}
	if !inode.CheckDeletable(d.in, target.in, creds.UID, creds.Super) {
		return vexerr.ErrPermissionDenied
	}
	d.dir.Remove(name)
	delete(fs.dirs, entry.Inode)
	delete(fs.inodes, entry.Inode)
	fs.events.Emit(semantic.Event{Type: semantic.KindDirRemove}, "")
	return nil
}

func (fs *Filesystem) Create(ctx context.Context, parent uint64, name string, mode uint16, creds vfs.Credentials) (*inode.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.createEntry(parent, name, inode.Regular, mode, creds)
	if err != nil {
		return nil, err
	}
	fs.events.Emit(semantic.Event{Type: semantic.KindFileCreate}, "")
	st := in.Stat()
	return &st, nil
}

func (fs *Filesystem) Unlink(ctx context.Context, parent uint64, name string, creds vfs.Credentials) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, err := fs.dirNodeLocked(parent)
	if err != nil {
		return err
	}
	entry, ok := d.dir.Lookup(name)
	if !ok {
		return vexerr.ErrNotFound
	}
	target, ok := fs.inodes[entry.Inode]
	if !ok {
		return vexerr.ErrNotFound
	}
	if !inode.CheckDeletable(d.in, target, creds.UID, creds.Super) {
		return vexerr.ErrPermissionDenied
	}
	target.Unlink()
	d.dir.Remove(name)
	if target.Deletable() {
		delete(fs.inodes, entry.Inode)
	}
	fs.events.Emit(semantic.Event{Type: semantic.KindFileUnlink}, "")
	return nil
}

func (fs *Filesystem) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string, creds vfs.Credentials) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	src, err := fs.dirNodeLocked(oldParent)
	if err != nil {
		return err
	}
	dst, err := fs.dirNodeLocked(newParent)
	if err != nil {
		return err
	}
	entry, ok := src.dir.Lookup(oldName)
	if !ok {
		return vexerr.ErrNotFound
	}
	if _, exists := dst.dir.Lookup(newName); exists {
		dst.dir.Remove(newName)
	}
	src.dir.Remove(oldName)
	dst.dir.Insert(0, inode.DirEntry{Inode: entry.Inode, Name: newName})
	fs.events.Emit(semantic.Event{Type: semantic.KindFileRename}, "")
	return nil
}

func (fs *Filesystem) Link(ctx context.Context, ino uint64, newParent uint64, newName string, creds vfs.Credentials) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, ok := fs.inodes[ino]
	if !ok {
		return vexerr.ErrNotFound
	}
	d, err := fs.dirNodeLocked(newParent)
	if err != nil {
		return err
	}
	if _, exists := d.dir.Lookup(newName); exists {
		return vexerr.ErrAlreadyExists
	}
	if err := in.Link(); err != nil {
		return err
	}
	d.dir.Insert(0, inode.DirEntry{Inode: ino, Name: newName})
	return nil
}

func (fs *Filesystem) Symlink(ctx context.Context, parent uint64, name, target string, creds vfs.Credentials) (*inode.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.createEntry(parent, name, inode.Symlink, 0o777, creds)
	if err != nil {
		return nil, err
	}
	tx := fs.txns.Begin(txn.Serializable, 0)
	if _, err := fs.fio.Write(tx, in, 0, []byte(target)); err != nil {
		fs.txns.Abort(tx)
		return nil, err
	}
	if err := fs.txns.Commit(tx); err != nil {
		return nil, err
	}
	st := in.Stat()
	return &st, nil
}

func (fs *Filesystem) Readlink(ctx context.Context, ino uint64) (string, error) {
	fs.mu.RLock()
	in, ok := fs.inodes[ino]
	fs.mu.RUnlock()
	if !ok {
		return "", vexerr.ErrNotFound
	}
	if in.Type != inode.Symlink {
		return "", xerrors.Errorf("vexfs: inode %d is not a symlink: %w", ino, vexerr.ErrInvalidArgument)
	}
	stat := in.Stat()
	buf, err := fs.fio.Read(in, 0, int(stat.Size))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (fs *Filesystem) Open(ctx context.Context, ino uint64, creds vfs.Credentials) (vfs.Handle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, ok := fs.inodes[ino]
	if !ok {
		return 0, vexerr.ErrNotFound
	}
	if !in.Check(creds.UID, creds.GID, creds.Super, inode.AccessRead) {
		return 0, vexerr.ErrPermissionDenied
	}
	in.Ref()
	fs.nextHandle++
	h := fs.nextHandle
	fs.handles[h] = ino
	return h, nil
}

func (fs *Filesystem) Release(ctx context.Context, h vfs.Handle) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, ok := fs.handles[h]
	if !ok {
		return xerrors.Errorf("vexfs: unknown handle %d: %w", h, vexerr.ErrInvalidArgument)
	}
	delete(fs.handles, h)
	if in, ok := fs.inodes[ino]; ok {
		in.Unref()
	}
	return nil
}

func (fs *Filesystem) resolveHandle(h vfs.Handle) (*inode.Inode, error) {
	ino, ok := fs.handles[h]
	if !ok {
		return nil, xerrors.Errorf("vexfs: unknown handle %d: %w", h, vexerr.ErrInvalidArgument)
	}
	in, ok := fs.inodes[ino]
	if !ok {
		return nil, vexerr.ErrNotFound
	}
	return in, nil
}

func (fs *Filesystem) Read(ctx context.Context, h vfs.Handle, offset int64, length int) ([]byte, error) {
	fs.mu.RLock()
	in, err := fs.resolveHandle(h)
	fs.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return fs.fio.Read(in, offset, length)
}

func (fs *Filesystem) Write(ctx context.Context, h vfs.Handle, offset int64, data []byte) (int, error) {
	fs.mu.Lock()
	in, err := fs.resolveHandle(h)
	fs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	tx := fs.txns.Begin(txn.Serializable, 0)
	n, err := fs.fio.Write(tx, in, offset, data)
	if err != nil {
		fs.txns.Abort(tx)
		return n, err
	}
	if err := fs.txns.Commit(tx); err != nil {
		return n, err
	}
	fs.events.Emit(semantic.Event{Type: semantic.KindFileWrite}, "")
	return n, nil
}

func (fs *Filesystem) Truncate(ctx context.Context, ino uint64, size uint64, creds vfs.Credentials) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, ok := fs.inodes[ino]
	if !ok {
		return vexerr.ErrNotFound
	}
	if !in.Check(creds.UID, creds.GID, creds.Super, inode.AccessWrite) {
		return vexerr.ErrPermissionDenied
	}
	tx := fs.txns.Begin(txn.Serializable, 0)
	if err := fs.fio.Truncate(tx, in, size); err != nil {
		fs.txns.Abort(tx)
		return err
	}
	return fs.txns.Commit(tx)
}

func (fs *Filesystem) Fsync(ctx context.Context, h vfs.Handle) error {
	return fs.dev.Sync()
}

func (fs *Filesystem) OpenDir(ctx context.Context, ino uint64, creds vfs.Credentials) (vfs.Handle, error) {
	return fs.Open(ctx, ino, creds)
}

func (fs *Filesystem) ReadDir(ctx context.Context, h vfs.Handle, offset int) ([]vfs.DirEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	ino, ok := fs.handles[h]
	if !ok {
		return nil, xerrors.Errorf("vexfs: unknown handle %d: %w", h, vexerr.ErrInvalidArgument)
	}
	d, ok := fs.dirs[ino]
	if !ok {
		return nil, xerrors.Errorf("vexfs: %w", vexerr.ErrNotDirectory)
	}
	entries := d.dir.List()
	if offset >= len(entries) {
		return nil, nil
	}
	out := make([]vfs.DirEntry, 0, len(entries)-offset)
	for _, e := range entries[offset:] {
		in, ok := fs.inodes[e.Inode]
		typ := inode.Regular
		if ok {
			typ = in.Type
		}
		out = append(out, vfs.DirEntry{Name: e.Name, Inode: e.Inode, Type: typ})
	}
	return out, nil
}

func (fs *Filesystem) CreateVector(ctx context.Context, parent uint64, name string, dim uint32, vec []float32, creds vfs.Credentials) (*inode.Stat, error) {
	fs.mu.Lock()
	in, err := fs.createEntry(parent, name, inode.VectorFile, 0o644, creds)
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	tx := fs.txns.Begin(txn.Serializable, 0)
	if _, err := fs.fio.WriteVector(tx, in, vec, vector.F32, vector.CompressNone); err != nil {
		fs.txns.Abort(tx)
		return nil, err
	}
	if err := fs.txns.Commit(tx); err != nil {
		return nil, err
	}
	if err := fs.index.Insert(in.Number, vec); err != nil {
		return nil, err
	}
	fs.cache.Put(in.Number, vec)
	fs.events.Emit(semantic.Event{Type: semantic.KindVectorInsert}, "")
	st := in.Stat()
	return &st, nil
}

func (fs *Filesystem) ReadVector(ctx context.Context, ino uint64) ([]float32, error) {
	if v, err := fs.cache.Get(ino); err == nil {
		return v, nil
	}
	fs.mu.RLock()
	in, ok := fs.inodes[ino]
	fs.mu.RUnlock()
	if !ok {
		return nil, vexerr.ErrNotFound
	}
	return fs.fio.ReadVector(in)
}

func (fs *Filesystem) SearchVectors(ctx context.Context, query []float32, k int) ([]vfs.SearchHit, error) {
	outcome := fs.index.Search(query, k)
	hits := make([]vfs.SearchHit, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		hits = append(hits, vfs.SearchHit{Inode: r.ID, Distance: float32(r.Distance)})
	}
	fs.events.Emit(semantic.Event{Type: semantic.KindVectorSearch}, "")
	return hits, nil
}

// Ioctl dispatches one of the five out-of-band control commands. h is
// unused by every command today (none of them are handle-scoped) but is
// kept on the signature so a future per-handle command doesn't need an
// interface break.
func (fs *Filesystem) Ioctl(ctx context.Context, h vfs.Handle, cmd vfs.IoctlCmd, arg any) (any, error) {
	switch cmd {
	case vfs.IoctlGetStatus:
		return fs.ioctlGetStatus(), nil

	case vfs.IoctlVectorSearch:
		a, ok := arg.(vfs.IoctlVectorSearchArg)
		if !ok {
			return nil, xerrors.Errorf("vexfs: ioctl vector search: %w", vexerr.ErrInvalidArgument)
		}
		return fs.SearchVectors(ctx, a.Query, a.K)

	case vfs.IoctlCreateSnapshot:
		a, ok := arg.(vfs.IoctlCreateSnapshotArg)
		if !ok {
			return nil, xerrors.Errorf("vexfs: ioctl create snapshot: %w", vexerr.ErrInvalidArgument)
		}
		snap, err := fs.snaps.Create(a.Name, a.RootInode, a.Parent, a.HasParent)
		if err != nil {
			return nil, xerrors.Errorf("vexfs: ioctl create snapshot: %w", err)
		}
		fs.events.Emit(semantic.Event{Type: semantic.KindSnapshotCreate, Flags: semantic.FlagAtomic}, "")
		return vfs.IoctlSnapshotResult{ID: snap.ID}, nil

	case vfs.IoctlDeleteSnapshot:
		a, ok := arg.(vfs.IoctlDeleteSnapshotArg)
		if !ok {
			return nil, xerrors.Errorf("vexfs: ioctl delete snapshot: %w", vexerr.ErrInvalidArgument)
		}
		if err := fs.snaps.Delete(a.ID); err != nil {
			return nil, xerrors.Errorf("vexfs: ioctl delete snapshot: %w", err)
		}
		fs.events.Emit(semantic.Event{Type: semantic.KindSnapshotDelete, Flags: semantic.FlagAtomic}, "")
		return nil, nil

	case vfs.IoctlSetDataJournalingMode:
		a, ok := arg.(vfs.IoctlSetJournalModeArg)
		if !ok {
			return nil, xerrors.Errorf("vexfs: ioctl set journaling mode: %w", vexerr.ErrInvalidArgument)
		}
		fs.jrn.SetMode(journal.Mode(a.Mode))
		return nil, nil

	default:
		return nil, xerrors.Errorf("vexfs: ioctl cmd %d: %w", cmd, vexerr.ErrUnknownIoctl)
	}
}

func (fs *Filesystem) ioctlGetStatus() vfs.IoctlStatus {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return vfs.IoctlStatus{
		Mounted:     fs.mounted,
		JournalMode: int(fs.jrn.Mode()),
		TotalBlocks: fs.dev.Size(),
		FreeBlocks:  fs.alloc.TotalFreeBlocks(),
		IndexSize:   fs.index.Len(),
		OpenHandles: len(fs.handles),
	}
}
