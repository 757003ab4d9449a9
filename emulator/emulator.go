// Package emulator implements an in-memory Nspire calculator behind the
// nspire transport and protocol contracts. It stands in for the USB
// transport when no physical calculator is attached.
package emulator

import (
	"fmt"
	"io/fs"
	"path"
	"sync"

	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/shim"
	"github.com/dominikbayerl/go-nspirelink/types"
)

// DefaultChunkSize is the payload size of one emulated transfer packet.
const DefaultChunkSize = 253

// DefaultStorage is the emulated flash size.
const DefaultStorage = 100 << 20

type node struct {
	dir  bool
	data []byte
	date uint64
}

// Calculator is an emulated device. It accepts one open device at a time.
type Calculator struct {
	mu sync.Mutex

	vendorID  uint16
	productID uint16
	chunk     int
	info      types.DeviceInfo
	nodes     map[string]*node
	osImage   []byte

	opened       bool
	disconnected bool
	handshakeErr error
}

var (
	_ nspire.Transport = (*Calculator)(nil)
	_ nspire.Protocol  = (*Calculator)(nil)
)

type Option func(*Calculator)

// WithProductID sets the USB product id the emulator answers to.
func WithProductID(pid uint16) Option {
	return func(c *Calculator) { c.productID = pid }
}

// WithChunkSize sets the transfer packet size.
func WithChunkSize(n int) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.chunk = n
		}
	}
}

// WithName sets the device name reported by Info.
func WithName(name string) Option {
	return func(c *Calculator) { c.info.Name = name }
}

// WithStorage sets the emulated flash size in bytes.
func WithStorage(n uint64) Option {
	return func(c *Calculator) { c.info.TotalStorage = n }
}

// New builds a calculator whose file system is a copy of seed. A nil seed
// starts with an empty root directory.
func New(seed fs.FS, opts ...Option) (*Calculator, error) {
	c := &Calculator{
		vendorID:  nspire.VendorID,
		productID: nspire.ProductID,
		chunk:     DefaultChunkSize,
		info:      defaultInfo(),
		nodes:     map[string]*node{"/": {dir: true}},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.productID == nspire.ProductIDCX2 {
		c.info.OsExtension = "tco2"
	}
	if seed == nil {
		return c, nil
	}

	err := fs.WalkDir(seed, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n := &node{dir: d.IsDir()}
		if mt := info.ModTime(); mt.Unix() > 0 {
			n.date = uint64(mt.Unix())
		}
		if !n.dir {
			if n.data, err = fs.ReadFile(seed, p); err != nil {
				return err
			}
		}
		c.nodes[path.Join("/", p)] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error seeding emulator: %v", err)
	}
	return c, nil
}

func defaultInfo() types.DeviceInfo {
	return types.DeviceInfo{
		TotalStorage:  DefaultStorage,
		FreeRAM:       40 << 20,
		TotalRAM:      64 << 20,
		Version:       types.Version{Major: 4, Minor: 5, Patch: 0, Build: 1180},
		Boot1Version:  types.Version{Major: 3, Minor: 0, Patch: 0, Build: 34},
		Boot2Version:  types.Version{Major: 4, Minor: 0, Patch: 1, Build: 52},
		HwType:        "NonCasCx",
		ClockSpeed:    132,
		Lcd:           types.Lcd{Width: 320, Height: 240, Bpp: 16},
		OsExtension:   "tco",
		FileExtension: "tns",
		Name:          "Emulated Nspire",
		ID:            "1001C7F0B8000000",
		RunLevel:      "Os",
		Battery:       "Ok",
	}
}

// OpenDevice implements nspire.Transport.
func (c *Calculator) OpenDevice(id uint32, vid, pid uint16, ch nspire.Channel) (nspire.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case vid != c.vendorID || pid != c.productID:
		return nil, fmt.Errorf("%04x:%04x: %w", vid, pid, nspire.ErrNoDevice)
	case ch < 0:
		return nil, fmt.Errorf("channel %d: %w", ch, nspire.ErrPermission)
	case c.disconnected:
		return nil, nspire.ErrNoDevice
	case c.opened:
		return nil, nspire.ErrBusy
	}
	c.opened = true
	shim.Printf("usb: opened device %d on channel %d\n", id, ch)
	return &device{calc: c}, nil
}

// NewHandle implements nspire.Protocol.
func (c *Calculator) NewHandle(dev nspire.Device) (nspire.Handle, error) {
	d, ok := dev.(*device)
	if !ok || d.calc != c {
		return nil, fmt.Errorf("foreign device handle: %w", nspire.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return nil, nspire.ErrDisconnected
	}
	if c.handshakeErr != nil {
		return nil, fmt.Errorf("%w: %w", nspire.ErrHandshake, c.handshakeErr)
	}
	shim.Puts("nspire: handshake complete")
	return &handle{dev: d}, nil
}

// Opened reports whether a device is currently open.
func (c *Calculator) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Disconnect simulates unplugging the cable. An operation already in progress
// completes; later operations fail with nspire.ErrDisconnected until Reconnect.
func (c *Calculator) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

// Reconnect undoes Disconnect.
func (c *Calculator) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = false
}

// FailHandshake makes subsequent NewHandle calls fail with err. A nil err
// restores normal behaviour.
func (c *Calculator) FailHandshake(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakeErr = err
}

// OSImage returns the last OS image received.
func (c *Calculator) OSImage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.osImage
}

type device struct {
	calc   *Calculator
	closed bool
}

func (d *device) Close() error {
	d.calc.mu.Lock()
	defer d.calc.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.calc.opened = false
	}
	return nil
}
