// Package fusefs mounts the file system of a calculator session.
package fusefs

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"path"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/dominikbayerl/go-nspirelink/bridge"
	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/types"
)

type FuseRoot struct {
	session *bridge.Session
	log     *zap.Logger
}

type FuseNode struct {
	fs.Inode
	root *FuseRoot

	mu    sync.Mutex
	entry types.FileEntry
}

func NewFuseFS(session *bridge.Session, log *zap.Logger) *FuseNode {
	if log == nil {
		log = zap.NewNop()
	}
	return &FuseNode{
		root:  &FuseRoot{session: session, log: log},
		entry: types.FileEntry{Path: "/", IsDir: true},
	}
}

func (r *FuseRoot) MakeIno(p string, dir bool) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p))
	if dir {
		h.Write([]byte{'/'})
	}
	return h.Sum64()
}

// errno maps a session error to the closest errno.
func (r *FuseRoot) errno(op, p string, err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e syscall.Errno
	switch {
	case errors.Is(err, nspire.ErrNotFound):
		e = syscall.ENOENT
	case errors.Is(err, nspire.ErrNotADirectory):
		e = syscall.ENOTDIR
	case errors.Is(err, nspire.ErrIsDirectory):
		e = syscall.EISDIR
	case errors.Is(err, nspire.ErrExists):
		e = syscall.EEXIST
	case errors.Is(err, nspire.ErrNotEmpty):
		e = syscall.ENOTEMPTY
	case errors.Is(err, nspire.ErrInvalidArgument):
		e = syscall.EINVAL
	case errors.Is(err, nspire.ErrPermission):
		e = syscall.EACCES
	case errors.Is(err, bridge.ErrSessionClosed), errors.Is(err, nspire.ErrDisconnected):
		e = syscall.ENODEV
	default:
		e = syscall.EIO
	}
	r.log.Debug("fuse operation failed", zap.String("op", op), zap.String("path", p), zap.Error(err), zap.String("errno", e.Error()))
	return e
}

func (n *FuseNode) devicePath() string {
	return path.Join("/", n.Path(nil))
}

func (n *FuseNode) child(name string) string {
	return path.Join(n.devicePath(), name)
}

func (n *FuseNode) setEntry(e types.FileEntry) {
	n.mu.Lock()
	n.entry = e
	n.mu.Unlock()
}

func (n *FuseNode) fill(out *fuse.Attr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fillAttr(n.entry, out)
}

func fillAttr(e types.FileEntry, out *fuse.Attr) {
	if e.IsDir {
		out.Mode = fuse.S_IFDIR | 0755
	} else {
		out.Mode = fuse.S_IFREG | 0644
		out.Size = e.Size
	}
	out.Mtime = e.Date
	out.Ctime = e.Date
	out.Atime = e.Date
}

func fileMode(e types.FileEntry) uint32 {
	if e.IsDir {
		return fuse.S_IFDIR
	}
	return fuse.S_IFREG
}

func (n *FuseNode) newChild(ctx context.Context, e types.FileEntry, out *fuse.EntryOut) *fs.Inode {
	child := n.NewInode(ctx, &FuseNode{root: n.root, entry: e}, fs.StableAttr{Mode: fileMode(e), Ino: n.root.MakeIno(e.Path, e.IsDir)})
	// an inode with this number may already exist
	if node, ok := child.Operations().(*FuseNode); ok {
		node.setEntry(e)
	}
	fillAttr(e, &out.Attr)
	return child
}

var _ = (fs.NodeGetattrer)((*FuseNode)(nil))
var _ = (fs.NodeSetattrer)((*FuseNode)(nil))

func (n *FuseNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		h.attr(&out.Attr)
		return 0
	}
	n.fill(&out.Attr)
	return 0
}

func (n *FuseNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	size, ok := in.GetSize()
	if !ok {
		n.fill(&out.Attr)
		return 0
	}
	if size > math.MaxUint32 {
		return syscall.EFBIG
	}
	if h, ok := fh.(*fileHandle); ok {
		if errno := h.truncate(size); errno != 0 {
			return errno
		}
		h.attr(&out.Attr)
		return 0
	}

	p := n.devicePath()
	n.mu.Lock()
	current := n.entry
	n.mu.Unlock()
	if current.IsDir {
		return syscall.EISDIR
	}

	var content []byte
	if current.Size > 0 && size > 0 {
		data, err := n.root.session.Read(p, uint32(current.Size))
		if err != nil {
			return n.root.errno("setattr", p, err)
		}
		content = data
	}
	content = resize(content, size)
	if err := n.root.session.Write(p, content); err != nil {
		return n.root.errno("setattr", p, err)
	}
	current.Size = size
	n.setEntry(current)
	n.fill(&out.Attr)
	return 0
}

var _ = (fs.NodeReaddirer)((*FuseNode)(nil))
var _ = (fs.NodeLookuper)((*FuseNode)(nil))

func (n *FuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dir := n.devicePath()

	entries, err := n.root.session.List(dir)
	if err != nil {
		return nil, n.root.errno("readdir", dir, err)
	}
	v := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		v = append(v, fuse.DirEntry{Mode: fileMode(e), Name: path.Base(e.Path), Ino: n.root.MakeIno(e.Path, e.IsDir)})
	}
	return fs.NewListDirStream(v), 0
}

func (n *FuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dir := n.devicePath()
	want := n.child(name)

	entries, err := n.root.session.List(dir)
	if err != nil {
		return nil, n.root.errno("lookup", dir, err)
	}
	for _, e := range entries {
		if e.Path == want {
			return n.newChild(ctx, e, out), 0
		}
	}
	return nil, syscall.ENOENT
}

var _ = (fs.NodeOpener)((*FuseNode)(nil))
var _ = (fs.NodeCreater)((*FuseNode)(nil))

func (n *FuseNode) Open(ctx context.Context, openFlags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	p := n.devicePath()
	n.mu.Lock()
	e := n.entry
	n.mu.Unlock()
	if e.IsDir {
		return nil, 0, syscall.EISDIR
	}

	writable := openFlags&syscall.O_ACCMODE != syscall.O_RDONLY
	h := &fileHandle{node: n, writable: writable}
	if writable && openFlags&syscall.O_TRUNC != 0 {
		h.dirty = true
	} else {
		content, err := n.root.session.Read(p, uint32(e.Size))
		if err != nil {
			return nil, 0, n.root.errno("open", p, err)
		}
		h.content = content
	}

	// Return FOPEN_DIRECT_IO so content is not cached.
	return h, fuse.FOPEN_DIRECT_IO, 0
}

func (n *FuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.child(name)
	if err := n.root.session.Write(p, nil); err != nil {
		return nil, nil, 0, n.root.errno("create", p, err)
	}

	child := n.newChild(ctx, types.FileEntry{Path: p}, out)
	node, ok := child.Operations().(*FuseNode)
	if !ok {
		return nil, nil, 0, syscall.EIO
	}
	return child, &fileHandle{node: node, writable: true}, fuse.FOPEN_DIRECT_IO, 0
}

var _ = (fs.NodeMkdirer)((*FuseNode)(nil))
var _ = (fs.NodeRmdirer)((*FuseNode)(nil))
var _ = (fs.NodeUnlinker)((*FuseNode)(nil))
var _ = (fs.NodeRenamer)((*FuseNode)(nil))

func (n *FuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	if err := n.root.session.CreateDirectory(p); err != nil {
		return nil, n.root.errno("mkdir", p, err)
	}
	return n.newChild(ctx, types.FileEntry{Path: p, IsDir: true}, out), 0
}

func (n *FuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := n.child(name)
	return n.root.errno("rmdir", p, n.root.session.DeleteDirectory(p))
}

func (n *FuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	p := n.child(name)
	return n.root.errno("unlink", p, n.root.session.Delete(p))
}

func (n *FuseNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	src := n.child(name)
	dst := path.Join("/", newParent.EmbeddedInode().Path(nil), newName)
	if err := n.root.session.Move(src, dst); err != nil {
		return n.root.errno("rename", src, err)
	}
	return 0
}

func resize(b []byte, size uint64) []byte {
	if uint64(len(b)) >= size {
		return b[:size]
	}
	return append(b, make([]byte, size-uint64(len(b)))...)
}
