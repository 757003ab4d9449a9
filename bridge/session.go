// Package bridge exposes a calculator's file system as synchronous,
// boundary-safe operations. A Session owns exactly one protocol handle;
// every failure it returns is an *Error.
package bridge

import (
	"errors"
	"fmt"
	"math"
	"path"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dominikbayerl/go-nspirelink/metrics"
	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/shim"
	"github.com/dominikbayerl/go-nspirelink/types"
)

// shimInstalled is swapped out by tests.
var shimInstalled = shim.Installed

// DeviceID identifies the device to open.
type DeviceID struct {
	ID        uint32
	VendorID  uint16
	ProductID uint16
}

func (d DeviceID) String() string {
	return fmt.Sprintf("%d (%04x:%04x)", d.ID, d.VendorID, d.ProductID)
}

// Session is one open calculator. Operations are serialized: a call blocks
// until the previous one on the same session has returned.
type Session struct {
	mu       sync.Mutex
	handle   nspire.Handle
	device   DeviceID
	notifier Notifier
	window   int
	log      *zap.Logger
}

type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithWindow sets the progress throttle window.
func WithWindow(n int) Option {
	return func(s *Session) {
		s.window = n
	}
}

// Open opens the device through transport and binds a protocol handle to it.
// The shim must be installed first. If binding fails the raw device is closed
// before returning.
func Open(transport nspire.Transport, protocol nspire.Protocol, id DeviceID, ch nspire.Channel, notifier Notifier, opts ...Option) (*Session, error) {
	const op = "open"

	s := &Session{
		device:   id,
		notifier: notifier,
		window:   DefaultWindow,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = discard{}
	}

	if transport == nil || protocol == nil {
		metrics.RecordOpenFailure()
		return nil, normalizeAs(KindArgument, op, fmt.Errorf("no device driver configured: %w", nspire.ErrInvalidArgument))
	}
	if !shimInstalled() {
		metrics.RecordOpenFailure()
		return nil, normalizeAs(KindOpen, op, ErrShimNotInstalled)
	}

	dev, err := transport.OpenDevice(id.ID, id.VendorID, id.ProductID, ch)
	if err != nil {
		metrics.RecordOpenFailure()
		s.log.Debug("device open failed", zap.Stringer("device", id), zap.Error(err))
		return nil, normalizeAs(KindOpen, op, fmt.Errorf("error opening device %s: %w", id, err))
	}

	handle, err := protocol.NewHandle(dev)
	if err != nil {
		if cerr := dev.Close(); cerr != nil {
			s.log.Warn("closing device after failed handshake", zap.Stringer("device", id), zap.Error(cerr))
		}
		metrics.RecordOpenFailure()
		return nil, normalizeAs(KindOpen, op, fmt.Errorf("error binding protocol handle: %w", err))
	}

	s.handle = handle
	metrics.SessionOpened()
	s.log.Info("session opened", zap.Stringer("device", id))
	return s, nil
}

// Device returns the identity the session was opened with.
func (s *Session) Device() DeviceID {
	return s.device
}

// Closed reports whether the handle has been released.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle == nil
}

// Close releases the handle. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	return Normalize("close", s.release("closed by caller"))
}

func (s *Session) release(reason string) error {
	err := s.handle.Close()
	s.handle = nil
	metrics.SessionClosed()
	s.log.Info("session released", zap.Stringer("device", s.device), zap.String("reason", reason))
	return err
}

// do runs fn against the handle while holding the session lock.
func (s *Session) do(op string, fn func(h nspire.Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return Normalize(op, ErrSessionClosed)
	}

	start := time.Now()
	err := fn(s.handle)
	metrics.RecordOperation(op, err, time.Since(start))
	if err == nil {
		return nil
	}

	s.log.Debug("operation failed", zap.String("op", op), zap.Error(err))
	if errors.Is(err, nspire.ErrDisconnected) {
		if cerr := s.release("device disconnected"); cerr != nil {
			s.log.Debug("closing lost handle", zap.Error(cerr))
		}
	}
	return Normalize(op, err)
}

func (s *Session) throttler(total uint32) *Throttler {
	return NewThrottler(total, s.notifier, s.window)
}

// Status queries device information.
func (s *Session) Status() (types.DeviceInfo, error) {
	var info types.DeviceInfo
	err := s.do("status", func(h nspire.Handle) error {
		var err error
		info, err = h.Info()
		return err
	})
	return info, err
}

// List returns the entries of dir in device order. Entry paths are joined
// with dir.
func (s *Session) List(dir string) ([]types.FileEntry, error) {
	var entries []types.FileEntry
	err := s.do("list", func(h nspire.Handle) error {
		raw, err := h.ListDir(dir)
		if err != nil {
			return err
		}
		entries = make([]types.FileEntry, 0, len(raw))
		for _, e := range raw {
			entries = append(entries, types.FileEntry{
				Path:  path.Join(dir, e.Name),
				IsDir: e.Type == nspire.EntryDirectory,
				Date:  e.Date,
				Size:  e.Size,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Read downloads at most expectedSize bytes of the file at p.
func (s *Session) Read(p string, expectedSize uint32) ([]byte, error) {
	var out []byte
	err := s.do("read", func(h nspire.Handle) error {
		buf := make([]byte, expectedSize)
		n, err := h.ReadFile(p, buf, s.throttler(expectedSize).Func())
		if err != nil {
			return err
		}
		if n < 0 || n > len(buf) {
			return fmt.Errorf("read %s: device reported %d bytes for a %d byte buffer: %w", p, n, len(buf), nspire.ErrSizeMismatch)
		}
		out = buf[:n]
		metrics.RecordDownload(n)
		s.log.Debug("file downloaded", zap.String("path", p), zap.String("size", humanize.IBytes(uint64(n))))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write uploads data to the file at p.
func (s *Session) Write(p string, data []byte) error {
	return s.upload("write", data, func(h nspire.Handle, progress nspire.ProgressFunc) error {
		return h.WriteFile(p, data, progress)
	})
}

// PushFirmware sends an OS image to the device.
func (s *Session) PushFirmware(data []byte) error {
	return s.upload("pushFirmware", data, func(h nspire.Handle, progress nspire.ProgressFunc) error {
		return h.SendOS(data, progress)
	})
}

func (s *Session) upload(op string, data []byte, fn func(nspire.Handle, nspire.ProgressFunc) error) error {
	if uint64(len(data)) > math.MaxUint32 {
		return normalizeAs(KindArgument, op, fmt.Errorf("payload of %s exceeds 4 GiB: %w", humanize.IBytes(uint64(len(data))), nspire.ErrInvalidArgument))
	}
	return s.do(op, func(h nspire.Handle) error {
		if err := fn(h, s.throttler(uint32(len(data))).Func()); err != nil {
			return err
		}
		metrics.RecordUpload(len(data))
		s.log.Debug("upload complete", zap.String("op", op), zap.String("size", humanize.IBytes(uint64(len(data)))))
		return nil
	})
}

// Delete removes a file.
func (s *Session) Delete(p string) error {
	return s.do("delete", func(h nspire.Handle) error {
		return h.DeleteFile(p)
	})
}

// DeleteDirectory removes an empty directory.
func (s *Session) DeleteDirectory(p string) error {
	return s.do("deleteDirectory", func(h nspire.Handle) error {
		return h.DeleteDir(p)
	})
}

// CreateDirectory creates a directory.
func (s *Session) CreateDirectory(p string) error {
	return s.do("createDirectory", func(h nspire.Handle) error {
		return h.CreateDir(p)
	})
}

// Copy duplicates the file at src to dst.
func (s *Session) Copy(src, dst string) error {
	return s.do("copy", func(h nspire.Handle) error {
		return h.CopyFile(src, dst)
	})
}

// Move renames src to dst.
func (s *Session) Move(src, dst string) error {
	return s.do("move", func(h nspire.Handle) error {
		return h.MoveFile(src, dst)
	})
}
