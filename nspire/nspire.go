// Package nspire defines the contracts of the calculator transport and
// protocol layers the bridge drives. Implementations live outside this
// package; see the emulator package for an in-memory one.
package nspire

import (
	"errors"
	"fmt"

	"github.com/dominikbayerl/go-nspirelink/types"
)

// VendorID is the USB vendor id used by all Nspire calculators.
const VendorID uint16 = 0x0451

const (
	// ProductID is used by non-CX and original CX calculators.
	ProductID uint16 = 0xe012

	// ProductIDCX2 is used by CX II calculators.
	ProductIDCX2 uint16 = 0xe022
)

// IsSupported reports whether vid/pid identify an Nspire calculator.
func IsSupported(vid, pid uint16) bool {
	return vid == VendorID && (pid == ProductID || pid == ProductIDCX2)
}

// Transport errors.
var (
	ErrNoDevice     = errors.New("no such device")
	ErrBusy         = errors.New("device busy")
	ErrPermission   = errors.New("permission denied")
	ErrDisconnected = errors.New("device disconnected")
	ErrIO           = errors.New("input/output error")
	ErrTimeout      = errors.New("transfer timed out")
)

// Protocol errors.
var (
	ErrHandshake       = errors.New("protocol handshake failed")
	ErrMalformed       = errors.New("malformed response")
	ErrChecksum        = errors.New("checksum mismatch")
	ErrUnsupported     = errors.New("unsupported operation")
	ErrNotFound        = errors.New("path not found")
	ErrNotADirectory   = errors.New("not a directory")
	ErrIsDirectory     = errors.New("is a directory")
	ErrExists          = errors.New("path already exists")
	ErrNotEmpty        = errors.New("directory not empty")
	ErrSizeMismatch    = errors.New("transfer size mismatch")
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsTransport reports whether err originates from the transport layer.
func IsTransport(err error) bool {
	for _, target := range []error{ErrIO, ErrTimeout, ErrDisconnected} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsOpen reports whether err is one of the device-open failures.
func IsOpen(err error) bool {
	for _, target := range []error{ErrNoDevice, ErrBusy, ErrPermission, ErrHandshake} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// PathError records a protocol failure on a device path.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// ProgressFunc receives the number of bytes still to transfer. It is called
// once per chunk and a last time with 0.
type ProgressFunc func(remaining int)

// Channel is the raw communication channel descriptor handed over by the
// host. It is owned by the transport and never duplicated by the bridge.
type Channel int32

// Device is an opened native USB handle.
type Device interface {
	Close() error
}

// Transport opens raw devices.
type Transport interface {
	OpenDevice(id uint32, vid, pid uint16, ch Channel) (Device, error)
}

// Protocol binds a protocol handle to an opened device.
type Protocol interface {
	NewHandle(dev Device) (Handle, error)
}

// EntryType distinguishes files from directories in a listing.
type EntryType uint8

const (
	EntryFile EntryType = iota
	EntryDirectory
)

// DirEntry is a raw listing entry. Name is relative to the listed directory.
type DirEntry struct {
	Name string
	Type EntryType
	Date uint64
	Size uint64
}

// Handle is a bound protocol handle. It is not safe for concurrent use.
type Handle interface {
	Info() (types.DeviceInfo, error)
	ListDir(path string) ([]DirEntry, error)
	// ReadFile fills buf and returns the number of bytes read.
	ReadFile(path string, buf []byte, progress ProgressFunc) (int, error)
	WriteFile(path string, data []byte, progress ProgressFunc) error
	SendOS(data []byte, progress ProgressFunc) error
	DeleteFile(path string) error
	DeleteDir(path string) error
	CreateDir(path string) error
	CopyFile(src, dst string) error
	MoveFile(src, dst string) error
	// Close releases the handle and the device it is bound to.
	Close() error
}
