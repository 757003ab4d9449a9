package server

import (
	"encoding/json"
	"fmt"

	"github.com/dominikbayerl/go-nspirelink/nspire"
)

// Boundary methods.
const (
	MethodOpen            = "open"
	MethodClose           = "close"
	MethodStatus          = "status"
	MethodList            = "list"
	MethodRead            = "read"
	MethodWrite           = "write"
	MethodPushFirmware    = "pushFirmware"
	MethodDelete          = "delete"
	MethodDeleteDirectory = "deleteDirectory"
	MethodCreateDirectory = "createDirectory"
	MethodCopy            = "copy"
	MethodMove            = "move"
)

// Request is one boundary call.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result and Error is meaningful;
// Error is never empty on failure. Progress updates sent on the same
// connection carry no id.
type Response struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

type OpenParams struct {
	DeviceID  uint32 `json:"deviceId"`
	VendorID  uint16 `json:"vendorId"`
	ProductID uint16 `json:"productId"`
	Channel   int32  `json:"channel"`
}

type OpenResult struct {
	Session uint32 `json:"session"`
}

type SessionParams struct {
	Session uint32 `json:"session"`
}

type PathParams struct {
	Session uint32 `json:"session"`
	Path    string `json:"path"`
}

type ReadParams struct {
	Session uint32 `json:"session"`
	Path    string `json:"path"`
	Size    uint32 `json:"size"`
}

type WriteParams struct {
	Session uint32 `json:"session"`
	Path    string `json:"path"`
	Data    []byte `json:"data"`
}

type FirmwareParams struct {
	Session uint32 `json:"session"`
	Data    []byte `json:"data"`
}

type TransferParams struct {
	Session uint32 `json:"session"`
	Src     string `json:"src"`
	Dst     string `json:"dst"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, fmt.Errorf("missing params: %w", nspire.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("malformed params: %v: %w", err, nspire.ErrInvalidArgument)
	}
	return p, nil
}
