// Package vfsfuse adapts internal/vfs.FileSystem onto
// github.com/jacobsa/fuse's fuseutil.FileSystem. Because this surface is a
// writable POSIX filesystem, Adapter implements the mutating half of
// fuseutil.FileSystem too (MkDir, CreateFile, WriteFile, Rename, ...)
// rather than leaving them to fuseutil.NotImplementedFileSystem's ENOSYS
// defaults.
package vfsfuse

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/vexerr"
	"github.com/vexfs/vexfs/internal/vfs"
)

// attrExpiration bounds how long the kernel may cache an inode's attributes
// before re-querying: vexfs inodes mutate, so a short expiration is used
// rather than caching them indefinitely.
const attrExpiration = 1 * time.Second

// Adapter binds one vfs.FileSystem to the kernel's FUSE protocol. Handle and
// inode numbers pass straight through: vfs.Handle and fuseops.HandleID are
// both uint64, and vexfs has a single backing filesystem so inode numbers
// need no per-image packing.
//
// fuseops has no FUSE_IOCTL op, so vfs.FileSystem.Ioctl has nothing to bind
// to here and is not reachable through a mounted FUSE path; callers invoke
// it on the vfs.FileSystem directly.
type Adapter struct {
	fuseutil.NotImplementedFileSystem

	fs vfs.FileSystem

	mu       sync.Mutex
	dirHands map[fuseops.HandleID]uint64
}

// New wraps fs for serving over FUSE.
func New(fs vfs.FileSystem) *Adapter {
	return &Adapter{fs: fs, dirHands: make(map[fuseops.HandleID]uint64)}
}

// Mount starts serving fs at mountpoint and returns a join function that
// blocks until the mount is torn down.
func Mount(ctx context.Context, fs vfs.FileSystem, mountpoint string, cfg *fuse.MountConfig) (join func(context.Context) error, err error) {
	if cfg == nil {
		cfg = &fuse.MountConfig{FSName: "vexfs"}
	}
	server := fuseutil.NewFileSystemServer(New(fs))
	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return nil, err
	}
	return mfs.Join, nil
}

func credsFromContext(ctx context.Context) vfs.Credentials {
	if oc, ok := fuseops.OpContextFromContext(ctx); ok {
		return vfs.Credentials{UID: oc.Uid, GID: oc.Gid}
	}
	return vfs.Credentials{}
}

func errno(err error) error {
	if err == nil {
		return nil
	}
	switch vexerr.ToErrno(err) {
	case vexerr.ENOENT:
		return fuse.ENOENT
	case vexerr.EEXIST:
		return fuse.EEXIST
	case vexerr.EINVAL:
		return fuse.EINVAL
	case vexerr.ENOTSUP:
		return fuse.ENOSYS
	default:
		return fuse.EIO
	}
}

func fileMode(st *inode.Stat) os.FileMode {
	m := os.FileMode(st.Mode & 0o7777)
	switch st.Type {
	case inode.Directory:
		m |= os.ModeDir
	case inode.Symlink:
		m |= os.ModeSymlink
	case inode.VectorFile, inode.Special:
		// vector files and special nodes expose no extra os.FileMode bit;
		// agents distinguish them via ioctl/SearchVectors, not stat(2).
	}
	return m
}

func attrsFromStat(st *inode.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: st.NLink,
		Mode:  fileMode(st),
		Uid:   st.UID,
		Gid:   st.GID,
		Atime: st.Atime,
		Mtime: st.Mtime,
		Ctime: st.Ctime,
	}
}

func (a *Adapter) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := a.fs.StatFS(ctx)
	if err != nil {
		return errno(err)
	}
	op.BlockSize = st.BlockSize
	op.Blocks = st.TotalBlocks
	op.BlocksFree = st.FreeBlocks
	op.BlocksAvailable = st.FreeBlocks
	op.IoSize = 65536
	return nil
}

func (a *Adapter) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	st, err := a.fs.Lookup(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = fuseops.InodeID(st.Number)
	op.Entry.Attributes = attrsFromStat(st)
	op.Entry.AttributesExpiration = time.Now().Add(attrExpiration)
	op.Entry.EntryExpiration = time.Now().Add(attrExpiration)
	return nil
}

func (a *Adapter) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	st, err := a.fs.GetAttr(ctx, uint64(op.Inode))
	if err != nil {
		return errno(err)
	}
	op.Attributes = attrsFromStat(st)
	op.AttributesExpiration = time.Now().Add(attrExpiration)
	return nil
}

func (a *Adapter) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	var patch inode.AttrPatch
	if op.Size != nil {
		patch.Size = op.Size
	}
	if op.Mode != nil {
		m := uint16(*op.Mode & 0o7777)
		patch.Mode = &m
	}
	if op.Mtime != nil {
		patch.Mtime = op.Mtime
	}
	st, err := a.fs.SetAttr(ctx, uint64(op.Inode), patch, credsFromContext(ctx))
	if err != nil {
		return errno(err)
	}
	op.Attributes = attrsFromStat(st)
	op.AttributesExpiration = time.Now().Add(attrExpiration)
	return nil
}

func (a *Adapter) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	st, err := a.fs.Mkdir(ctx, uint64(op.Parent), op.Name, uint16(op.Mode&0o7777), credsFromContext(ctx))
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = fuseops.InodeID(st.Number)
	op.Entry.Attributes = attrsFromStat(st)
	op.Entry.AttributesExpiration = time.Now().Add(attrExpiration)
	op.Entry.EntryExpiration = time.Now().Add(attrExpiration)
	return nil
}

func (a *Adapter) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return errno(a.fs.Rmdir(ctx, uint64(op.Parent), op.Name, credsFromContext(ctx)))
}

func (a *Adapter) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	creds := credsFromContext(ctx)
	st, err := a.fs.Create(ctx, uint64(op.Parent), op.Name, uint16(op.Mode&0o7777), creds)
	if err != nil {
		return errno(err)
	}
	h, err := a.fs.Open(ctx, st.Number, creds)
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(h)
	op.Entry.Child = fuseops.InodeID(st.Number)
	op.Entry.Attributes = attrsFromStat(st)
	op.Entry.AttributesExpiration = time.Now().Add(attrExpiration)
	op.Entry.EntryExpiration = time.Now().Add(attrExpiration)
	return nil
}

func (a *Adapter) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	st, err := a.fs.Symlink(ctx, uint64(op.Parent), op.Name, op.Target, credsFromContext(ctx))
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = fuseops.InodeID(st.Number)
	op.Entry.Attributes = attrsFromStat(st)
	op.Entry.AttributesExpiration = time.Now().Add(attrExpiration)
	op.Entry.EntryExpiration = time.Now().Add(attrExpiration)
	return nil
}

func (a *Adapter) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	creds := credsFromContext(ctx)
	if err := a.fs.Link(ctx, uint64(op.Target), uint64(op.Parent), op.Name, creds); err != nil {
		return errno(err)
	}
	st, err := a.fs.GetAttr(ctx, uint64(op.Target))
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = fuseops.InodeID(st.Number)
	op.Entry.Attributes = attrsFromStat(st)
	op.Entry.AttributesExpiration = time.Now().Add(attrExpiration)
	op.Entry.EntryExpiration = time.Now().Add(attrExpiration)
	return nil
}

func (a *Adapter) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	creds := credsFromContext(ctx)
	return errno(a.fs.Rename(ctx, uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName, creds))
}

func (a *Adapter) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return errno(a.fs.Unlink(ctx, uint64(op.Parent), op.Name, credsFromContext(ctx)))
}

// OpenDir, unlike ENOSYS shortcut (which relies on its package
// store never changing), hands back a real directory handle: vexfs
// directories mutate, so the kernel can't skip the open.
func (a *Adapter) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	h, err := a.fs.OpenDir(ctx, uint64(op.Inode), credsFromContext(ctx))
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(h)
	return nil
}

func (a *Adapter) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	entries, err := a.fs.ReadDir(ctx, vfs.Handle(op.Handle), int(op.Offset))
	if err != nil {
		return errno(err)
	}
	for i, e := range entries {
		typ := fuseutil.DT_File
		switch e.Type {
		case inode.Directory:
			typ = fuseutil.DT_Directory
		case inode.Symlink:
			typ = fuseutil.DT_Link
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1,
			Inode:  fuseops.InodeID(e.Inode),
			Name:   e.Name,
			Type:   typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (a *Adapter) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return errno(a.fs.Release(ctx, vfs.Handle(op.Handle)))
}

func (a *Adapter) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	h, err := a.fs.Open(ctx, uint64(op.Inode), credsFromContext(ctx))
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(h)
	return nil
}

func (a *Adapter) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	data, err := a.fs.Read(ctx, vfs.Handle(op.Handle), op.Offset, len(op.Dst))
	if err != nil {
		return errno(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (a *Adapter) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, err := a.fs.Write(ctx, vfs.Handle(op.Handle), op.Offset, op.Data)
	return errno(err)
}

func (a *Adapter) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return errno(a.fs.Fsync(ctx, vfs.Handle(op.Handle)))
}

func (a *Adapter) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return errno(a.fs.Fsync(ctx, vfs.Handle(op.Handle)))
}

func (a *Adapter) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return errno(a.fs.Release(ctx, vfs.Handle(op.Handle)))
}

func (a *Adapter) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	target, err := a.fs.Readlink(ctx, uint64(op.Inode))
	if err != nil {
		return errno(err)
	}
	op.Target = target
	return nil
}

// Destroy unmounts cleanly; vexfs has nothing extra to flush here since
// Write/CreateVector already commit through their own transactions.
func (a *Adapter) Destroy() {}
