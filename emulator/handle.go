package emulator

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/shim"
	"github.com/dominikbayerl/go-nspirelink/types"
)

type handle struct {
	dev    *device
	closed bool
}

var _ nspire.Handle = (*handle)(nil)

// acquire locks the calculator for one operation. The caller must unlock
// c.mu when err is nil.
func (h *handle) acquire() (c *Calculator, err error) {
	c = h.dev.calc
	c.mu.Lock()
	switch {
	case h.closed:
		err = fmt.Errorf("handle closed: %w", nspire.ErrIO)
	case c.disconnected:
		err = nspire.ErrDisconnected
	}
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	return c, nil
}

func (h *handle) Close() error {
	c := h.dev.calc
	c.mu.Lock()
	h.closed = true
	c.mu.Unlock()
	return h.dev.Close()
}

func (h *handle) Info() (types.DeviceInfo, error) {
	c, err := h.acquire()
	if err != nil {
		return types.DeviceInfo{}, err
	}
	defer c.mu.Unlock()

	info := c.info
	info.FreeStorage = info.TotalStorage - min(c.used(), info.TotalStorage)
	return info, nil
}

func (h *handle) ListDir(p string) ([]nspire.DirEntry, error) {
	c, err := h.acquire()
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	p, err = clean("list", p)
	if err != nil {
		return nil, err
	}
	if _, err := c.dir("list", p); err != nil {
		return nil, err
	}

	entries := []nspire.DirEntry{}
	for _, name := range c.children(p) {
		n := c.nodes[path.Join(p, name)]
		e := nspire.DirEntry{Name: name, Date: n.date, Type: nspire.EntryFile, Size: uint64(len(n.data))}
		if n.dir {
			e.Type = nspire.EntryDirectory
			e.Size = 0
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (h *handle) ReadFile(p string, buf []byte, progress nspire.ProgressFunc) (int, error) {
	c, err := h.acquire()
	if err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	p, err = clean("read", p)
	if err != nil {
		return 0, err
	}
	n, err := c.file("read", p)
	if err != nil {
		return 0, err
	}
	if len(n.data) > len(buf) {
		return 0, &nspire.PathError{Op: "read", Path: p, Err: fmt.Errorf("%w: file is %d bytes, buffer %d", nspire.ErrSizeMismatch, len(n.data), len(buf))}
	}
	copy(buf, n.data)
	c.transfer(len(n.data), progress)
	return len(n.data), nil
}

func (h *handle) WriteFile(p string, data []byte, progress nspire.ProgressFunc) error {
	c, err := h.acquire()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	p, err = clean("write", p)
	if err != nil {
		return err
	}
	if _, err := c.dir("write", path.Dir(p)); err != nil {
		return err
	}
	var old uint64
	if n, ok := c.nodes[p]; ok {
		if n.dir {
			return &nspire.PathError{Op: "write", Path: p, Err: nspire.ErrIsDirectory}
		}
		old = uint64(len(n.data))
	}
	if c.used()-old+uint64(len(data)) > c.info.TotalStorage {
		return &nspire.PathError{Op: "write", Path: p, Err: fmt.Errorf("not enough storage: %w", nspire.ErrIO)}
	}
	date, err := now()
	if err != nil {
		return err
	}

	c.transfer(len(data), progress)
	c.nodes[p] = &node{data: append([]byte(nil), data...), date: date}
	return nil
}

func (h *handle) SendOS(data []byte, progress nspire.ProgressFunc) error {
	c, err := h.acquire()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if len(data) == 0 {
		return fmt.Errorf("empty OS image: %w", nspire.ErrInvalidArgument)
	}
	shim.Printf("nspire: sending OS image, %d bytes\n", len(data))
	c.transfer(len(data), progress)
	c.osImage = append([]byte(nil), data...)
	return nil
}

func (h *handle) DeleteFile(p string) error {
	c, err := h.acquire()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	p, err = clean("delete", p)
	if err != nil {
		return err
	}
	if _, err := c.file("delete", p); err != nil {
		return err
	}
	delete(c.nodes, p)
	return nil
}

func (h *handle) DeleteDir(p string) error {
	c, err := h.acquire()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	p, err = clean("rmdir", p)
	if err != nil {
		return err
	}
	if p == "/" {
		return &nspire.PathError{Op: "rmdir", Path: p, Err: nspire.ErrInvalidArgument}
	}
	if _, err := c.dir("rmdir", p); err != nil {
		return err
	}
	if len(c.children(p)) > 0 {
		return &nspire.PathError{Op: "rmdir", Path: p, Err: nspire.ErrNotEmpty}
	}
	delete(c.nodes, p)
	return nil
}

func (h *handle) CreateDir(p string) error {
	c, err := h.acquire()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	p, err = clean("mkdir", p)
	if err != nil {
		return err
	}
	if _, ok := c.nodes[p]; ok {
		return &nspire.PathError{Op: "mkdir", Path: p, Err: nspire.ErrExists}
	}
	if _, err := c.dir("mkdir", path.Dir(p)); err != nil {
		return err
	}
	date, err := now()
	if err != nil {
		return err
	}
	c.nodes[p] = &node{dir: true, date: date}
	return nil
}

func (h *handle) CopyFile(src, dst string) error {
	c, err := h.acquire()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if src, err = clean("copy", src); err != nil {
		return err
	}
	if dst, err = clean("copy", dst); err != nil {
		return err
	}
	n, err := c.file("copy", src)
	if err != nil {
		return err
	}
	if err := c.vacant("copy", dst); err != nil {
		return err
	}
	if c.used()+uint64(len(n.data)) > c.info.TotalStorage {
		return &nspire.PathError{Op: "copy", Path: dst, Err: fmt.Errorf("not enough storage: %w", nspire.ErrIO)}
	}
	date, err := now()
	if err != nil {
		return err
	}
	c.nodes[dst] = &node{data: append([]byte(nil), n.data...), date: date}
	return nil
}

func (h *handle) MoveFile(src, dst string) error {
	c, err := h.acquire()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if src, err = clean("move", src); err != nil {
		return err
	}
	if dst, err = clean("move", dst); err != nil {
		return err
	}
	n, ok := c.nodes[src]
	if !ok || src == "/" {
		return &nspire.PathError{Op: "move", Path: src, Err: nspire.ErrNotFound}
	}
	if n.dir && strings.HasPrefix(dst+"/", src+"/") {
		return &nspire.PathError{Op: "move", Path: dst, Err: nspire.ErrInvalidArgument}
	}
	if err := c.vacant("move", dst); err != nil {
		return err
	}

	c.nodes[dst] = n
	delete(c.nodes, src)
	if n.dir {
		prefix := src + "/"
		for k, child := range c.nodes {
			if strings.HasPrefix(k, prefix) {
				c.nodes[dst+"/"+strings.TrimPrefix(k, prefix)] = child
				delete(c.nodes, k)
			}
		}
	}
	return nil
}

// transfer reports progress for size bytes sent in chunks. An empty
// transfer reports completion once.
func (c *Calculator) transfer(size int, progress nspire.ProgressFunc) {
	if progress == nil {
		return
	}
	if size == 0 {
		progress(0)
		return
	}
	for sent := 0; sent < size; {
		sent += min(c.chunk, size-sent)
		progress(size - sent)
	}
}

func (c *Calculator) dir(op, p string) (*node, error) {
	n, ok := c.nodes[p]
	if !ok {
		return nil, &nspire.PathError{Op: op, Path: p, Err: nspire.ErrNotFound}
	}
	if !n.dir {
		return nil, &nspire.PathError{Op: op, Path: p, Err: nspire.ErrNotADirectory}
	}
	return n, nil
}

func (c *Calculator) file(op, p string) (*node, error) {
	n, ok := c.nodes[p]
	if !ok {
		return nil, &nspire.PathError{Op: op, Path: p, Err: nspire.ErrNotFound}
	}
	if n.dir {
		return nil, &nspire.PathError{Op: op, Path: p, Err: nspire.ErrIsDirectory}
	}
	return n, nil
}

// vacant checks that dst does not exist and its parent is a directory.
func (c *Calculator) vacant(op, dst string) error {
	if _, ok := c.nodes[dst]; ok {
		return &nspire.PathError{Op: op, Path: dst, Err: nspire.ErrExists}
	}
	_, err := c.dir(op, path.Dir(dst))
	return err
}

// children returns the sorted names directly below dir.
func (c *Calculator) children(dir string) []string {
	var names []string
	for k := range c.nodes {
		if k != "/" && path.Dir(k) == dir {
			names = append(names, path.Base(k))
		}
	}
	sort.Strings(names)
	return names
}

func (c *Calculator) used() uint64 {
	var total uint64
	for _, n := range c.nodes {
		total += uint64(len(n.data))
	}
	return total
}

func clean(op, p string) (string, error) {
	if p == "" {
		return "", &nspire.PathError{Op: op, Path: p, Err: nspire.ErrInvalidArgument}
	}
	return path.Clean("/" + p), nil
}

func now() (uint64, error) {
	var tv shim.Timeval
	if shim.Gettimeofday(&tv, nil) != 0 {
		return 0, fmt.Errorf("gettimeofday failed: %w", nspire.ErrIO)
	}
	return uint64(tv.Sec), nil
}
