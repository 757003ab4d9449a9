package fusefs

import (
	"context"
	"math"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fileHandle holds the whole file in memory. Writes are sent to the device
// as one transfer when the handle is flushed.
type fileHandle struct {
	node     *FuseNode
	writable bool

	mu      sync.Mutex
	content []byte
	dirty   bool
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileWriter)((*fileHandle)(nil))
var _ = (fs.FileFlusher)((*fileHandle)(nil))
var _ = (fs.FileFsyncer)((*fileHandle)(nil))

func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if off >= int64(len(fh.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(fh.content)) {
		end = int64(len(fh.content))
	}
	// the slice is copied into the reply before the lock is released
	return fuse.ReadResultData(append([]byte(nil), fh.content[off:end]...)), 0
}

func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if !fh.writable {
		return 0, syscall.EBADF
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}
	// The device addresses files with 32-bit sizes.
	if uint64(off) > math.MaxUint32 || uint64(off)+uint64(len(data)) > math.MaxUint32 {
		return 0, syscall.EFBIG
	}

	fh.mu.Lock()
	defer fh.mu.Unlock()

	end := uint64(off) + uint64(len(data))
	if end > uint64(len(fh.content)) {
		fh.content = resize(fh.content, end)
	}
	copy(fh.content[off:], data)
	fh.dirty = true
	return uint32(len(data)), 0
}

func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if !fh.dirty {
		return 0
	}
	p := fh.node.devicePath()
	if err := fh.node.root.session.Write(p, fh.content); err != nil {
		return fh.node.root.errno("flush", p, err)
	}
	fh.dirty = false

	fh.node.mu.Lock()
	fh.node.entry.Size = uint64(len(fh.content))
	fh.node.mu.Unlock()
	return 0
}

func (fh *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fh.Flush(ctx)
}

func (fh *fileHandle) truncate(size uint64) syscall.Errno {
	if size > math.MaxUint32 {
		return syscall.EFBIG
	}
	fh.mu.Lock()
	fh.content = resize(fh.content, size)
	fh.dirty = true
	fh.mu.Unlock()
	return 0
}

func (fh *fileHandle) attr(out *fuse.Attr) {
	fh.node.fill(out)
	fh.mu.Lock()
	out.Size = uint64(len(fh.content))
	fh.mu.Unlock()
}
