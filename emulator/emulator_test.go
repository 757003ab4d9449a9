package emulator

import (
	"errors"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/shim"
)

func TestMain(m *testing.M) {
	shim.Install(func() time.Time { return time.Unix(1_600_000_000, 0) })
	os.Exit(m.Run())
}

func seed() fstest.MapFS {
	return fstest.MapFS{
		"documents/a.tns":       &fstest.MapFile{Data: []byte("a content"), ModTime: time.Unix(100, 0)},
		"documents/b.tns":       &fstest.MapFile{Data: []byte("bb content")},
		"documents/games/c.tns": &fstest.MapFile{Data: []byte("c")},
		"documents/empty":       &fstest.MapFile{Mode: os.ModeDir},
		"ndless/startup/x.tns":  &fstest.MapFile{Data: []byte("x")},
	}
}

func openHandle(t *testing.T, c *Calculator) nspire.Handle {
	t.Helper()
	dev, err := c.OpenDevice(0, nspire.VendorID, nspire.ProductID, 3)
	require.NoError(t, err)
	h, err := c.NewHandle(dev)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestListDir(t *testing.T) {
	c, err := New(seed())
	require.NoError(t, err)
	h := openHandle(t, c)

	entries, err := h.ListDir("/documents")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"a.tns", "b.tns", "empty", "games"}, names)
	assert.Equal(t, nspire.EntryFile, entries[0].Type)
	assert.Equal(t, uint64(9), entries[0].Size)
	assert.Equal(t, uint64(100), entries[0].Date)
	assert.Equal(t, nspire.EntryDirectory, entries[3].Type)

	empty, err := h.ListDir("/documents/empty")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = h.ListDir("/missing")
	assert.ErrorIs(t, err, nspire.ErrNotFound)

	_, err = h.ListDir("/documents/a.tns")
	assert.ErrorIs(t, err, nspire.ErrNotADirectory)
}

func TestReadWriteProgress(t *testing.T) {
	c, err := New(nil, WithChunkSize(100))
	require.NoError(t, err)
	h := openHandle(t, c)

	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}

	var remaining []int
	require.NoError(t, h.WriteFile("/doc.tns", data, func(r int) { remaining = append(remaining, r) }))
	assert.Equal(t, []int{150, 50, 0}, remaining)

	buf := make([]byte, 300)
	remaining = nil
	n, err := h.ReadFile("/doc.tns", buf, func(r int) { remaining = append(remaining, r) })
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Equal(t, data, buf[:n])
	assert.Equal(t, []int{150, 50, 0}, remaining)

	_, err = h.ReadFile("/doc.tns", make([]byte, 10), nil)
	assert.ErrorIs(t, err, nspire.ErrSizeMismatch)
}

func TestEmptyTransferReportsCompletion(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	h := openHandle(t, c)

	var remaining []int
	require.NoError(t, h.WriteFile("/empty.tns", nil, func(r int) { remaining = append(remaining, r) }))
	assert.Equal(t, []int{0}, remaining)
}

func TestDirectoryLifecycle(t *testing.T) {
	c, err := New(seed())
	require.NoError(t, err)
	h := openHandle(t, c)

	require.NoError(t, h.CreateDir("/documents/test"))
	assert.ErrorIs(t, h.CreateDir("/documents/test"), nspire.ErrExists)
	assert.ErrorIs(t, h.CreateDir("/nope/test"), nspire.ErrNotFound)

	entries, err := h.ListDir("/documents/test")
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ErrorIs(t, h.DeleteDir("/documents/games"), nspire.ErrNotEmpty)
	assert.ErrorIs(t, h.DeleteDir("/documents/a.tns"), nspire.ErrNotADirectory)
	assert.ErrorIs(t, h.DeleteFile("/documents/games"), nspire.ErrIsDirectory)
	require.NoError(t, h.DeleteDir("/documents/test"))
	_, err = h.ListDir("/documents/test")
	assert.ErrorIs(t, err, nspire.ErrNotFound)
}

func TestCopyMove(t *testing.T) {
	c, err := New(seed())
	require.NoError(t, err)
	h := openHandle(t, c)

	require.NoError(t, h.CopyFile("/documents/a.tns", "/documents/copy.tns"))
	assert.ErrorIs(t, h.CopyFile("/documents/a.tns", "/documents/b.tns"), nspire.ErrExists)

	buf := make([]byte, 64)
	n, err := h.ReadFile("/documents/copy.tns", buf, nil)
	require.NoError(t, err)
	assert.Equal(t, "a content", string(buf[:n]))

	require.NoError(t, h.MoveFile("/documents/games", "/games"))
	n, err = h.ReadFile("/games/c.tns", buf, nil)
	require.NoError(t, err)
	assert.Equal(t, "c", string(buf[:n]))
	_, err = h.ListDir("/documents/games")
	assert.ErrorIs(t, err, nspire.ErrNotFound)

	assert.ErrorIs(t, h.MoveFile("/games", "/games/inner"), nspire.ErrInvalidArgument)
	assert.ErrorIs(t, h.MoveFile("/missing", "/x"), nspire.ErrNotFound)
}

func TestOpenDevice(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	_, err = c.OpenDevice(0, 0x1234, 0x5678, 0)
	assert.ErrorIs(t, err, nspire.ErrNoDevice)

	dev, err := c.OpenDevice(0, nspire.VendorID, nspire.ProductID, 0)
	require.NoError(t, err)
	assert.True(t, c.Opened())

	_, err = c.OpenDevice(1, nspire.VendorID, nspire.ProductID, 0)
	assert.ErrorIs(t, err, nspire.ErrBusy)

	require.NoError(t, dev.Close())
	assert.False(t, c.Opened())
}

func TestHandshakeFailure(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	c.FailHandshake(errors.New("bad hello packet"))

	dev, err := c.OpenDevice(0, nspire.VendorID, nspire.ProductID, 0)
	require.NoError(t, err)
	_, err = c.NewHandle(dev)
	assert.ErrorIs(t, err, nspire.ErrHandshake)
	assert.Contains(t, err.Error(), "bad hello packet")
}

func TestDisconnect(t *testing.T) {
	c, err := New(seed())
	require.NoError(t, err)
	h := openHandle(t, c)

	c.Disconnect()
	_, err = h.ListDir("/")
	assert.ErrorIs(t, err, nspire.ErrDisconnected)
	_, err = h.Info()
	assert.ErrorIs(t, err, nspire.ErrDisconnected)

	c.Reconnect()
	_, err = h.ListDir("/")
	assert.NoError(t, err)
}

func TestInfoAndSendOS(t *testing.T) {
	c, err := New(seed(), WithProductID(nspire.ProductIDCX2), WithName("calc"))
	require.NoError(t, err)
	dev, err := c.OpenDevice(0, nspire.VendorID, nspire.ProductIDCX2, 0)
	require.NoError(t, err)
	h, err := c.NewHandle(dev)
	require.NoError(t, err)
	defer h.Close()

	info, err := h.Info()
	require.NoError(t, err)
	assert.Equal(t, "calc", info.Name)
	assert.Equal(t, "tco2", info.OsExtension)
	assert.Equal(t, uint64(DefaultStorage-21), info.FreeStorage)

	var calls int
	require.NoError(t, h.SendOS([]byte("os image"), func(int) { calls++ }))
	assert.Equal(t, []byte("os image"), c.OSImage())
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, h.SendOS(nil, nil), nspire.ErrInvalidArgument)
}

func TestWriteStampsShimTime(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	h := openHandle(t, c)

	require.NoError(t, h.WriteFile("/new.tns", []byte("x"), nil))
	entries, err := h.ListDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1_600_000_000), entries[0].Date)
}

func TestStorageFull(t *testing.T) {
	c, err := New(nil, WithStorage(10))
	require.NoError(t, err)
	h := openHandle(t, c)

	assert.ErrorIs(t, h.WriteFile("/big.tns", make([]byte, 11), nil), nspire.ErrIO)
	assert.NoError(t, h.WriteFile("/ok.tns", make([]byte, 10), nil))
}

func TestClosedHandle(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	dev, err := c.OpenDevice(0, nspire.VendorID, nspire.ProductID, 0)
	require.NoError(t, err)
	h, err := c.NewHandle(dev)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	assert.False(t, c.Opened())
	_, err = h.ListDir("/")
	assert.ErrorIs(t, err, nspire.ErrIO)
}
