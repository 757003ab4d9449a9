package server

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dominikbayerl/go-nspirelink/bridge"
	"github.com/dominikbayerl/go-nspirelink/nspire"
)

// Dispatcher executes boundary calls against the sessions opened through it.
// It is driven by a single worker and is not safe for concurrent use.
type Dispatcher struct {
	transport nspire.Transport
	protocol  nspire.Protocol
	allowed   func(vid, pid uint16) bool
	window    int
	maxRead   uint32
	notifier  bridge.Notifier
	log       *zap.Logger

	sessions map[uint32]*bridge.Session
	nextID   uint32
}

// NewDispatcher returns a Dispatcher that opens devices through transport and
// protocol and posts progress to notifier. A nil allowed accepts every
// vendor/product pair and a zero MaxRead selects DefaultMaxRead.
func NewDispatcher(transport nspire.Transport, protocol nspire.Protocol, notifier bridge.Notifier, opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxRead == 0 {
		opts.MaxRead = DefaultMaxRead
	}
	return &Dispatcher{
		transport: transport,
		protocol:  protocol,
		allowed:   opts.Allowed,
		window:    opts.ProgressWindow,
		maxRead:   opts.MaxRead,
		notifier:  notifier,
		log:       log,
		sessions:  make(map[uint32]*bridge.Session),
	}
}

// Call runs req to completion.
func (d *Dispatcher) Call(req Request) Response {
	result, err := d.call(req)
	if err != nil {
		d.log.Debug("call failed", zap.Uint64("id", req.ID), zap.String("method", req.Method), zap.Error(err))
		return d.failure(req.ID, req.Method, err)
	}
	return Response{ID: req.ID, Result: result}
}

func (d *Dispatcher) failure(id uint64, op string, err error) Response {
	err = bridge.Normalize(op, err)
	resp := Response{ID: id, Error: err.Error(), Kind: bridge.KindUnknown.String()}
	var e *bridge.Error
	if errors.As(err, &e) {
		resp.Kind = e.Kind.String()
	}
	return resp
}

// Sessions returns the number of live sessions.
func (d *Dispatcher) Sessions() int {
	return len(d.sessions)
}

// Close releases every session.
func (d *Dispatcher) Close() {
	for id, s := range d.sessions {
		if err := s.Close(); err != nil {
			d.log.Warn("closing session", zap.Uint32("session", id), zap.Stringer("device", s.Device()), zap.Error(err))
		}
		delete(d.sessions, id)
	}
}

func (d *Dispatcher) call(req Request) (any, error) {
	if req.Method == MethodOpen {
		return d.open(req)
	}

	sp, err := decode[SessionParams](req.Params)
	if err != nil {
		return nil, err
	}
	s, ok := d.sessions[sp.Session]
	if !ok {
		return nil, fmt.Errorf("unknown session %d: %w", sp.Session, bridge.ErrSessionClosed)
	}
	defer func() {
		if s.Closed() {
			delete(d.sessions, sp.Session)
		}
	}()

	switch req.Method {
	case MethodClose:
		return nil, s.Close()

	case MethodStatus:
		return s.Status()

	case MethodList:
		p, err := decode[PathParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.List(p.Path)

	case MethodRead:
		p, err := decode[ReadParams](req.Params)
		if err != nil {
			return nil, err
		}
		if p.Size > d.maxRead {
			return nil, fmt.Errorf("read size %d exceeds limit of %d bytes: %w", p.Size, d.maxRead, nspire.ErrInvalidArgument)
		}
		return s.Read(p.Path, p.Size)

	case MethodWrite:
		p, err := decode[WriteParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.Write(p.Path, p.Data)

	case MethodPushFirmware:
		p, err := decode[FirmwareParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, s.PushFirmware(p.Data)

	case MethodDelete, MethodDeleteDirectory, MethodCreateDirectory:
		p, err := decode[PathParams](req.Params)
		if err != nil {
			return nil, err
		}
		switch req.Method {
		case MethodDelete:
			return nil, s.Delete(p.Path)
		case MethodDeleteDirectory:
			return nil, s.DeleteDirectory(p.Path)
		default:
			return nil, s.CreateDirectory(p.Path)
		}

	case MethodCopy, MethodMove:
		p, err := decode[TransferParams](req.Params)
		if err != nil {
			return nil, err
		}
		if req.Method == MethodCopy {
			return nil, s.Copy(p.Src, p.Dst)
		}
		return nil, s.Move(p.Src, p.Dst)

	default:
		return nil, fmt.Errorf("unknown method %q: %w", req.Method, nspire.ErrInvalidArgument)
	}
}

func (d *Dispatcher) open(req Request) (any, error) {
	p, err := decode[OpenParams](req.Params)
	if err != nil {
		return nil, err
	}
	if d.allowed != nil && !d.allowed(p.VendorID, p.ProductID) {
		return nil, fmt.Errorf("device %04x:%04x is not allowed: %w", p.VendorID, p.ProductID, nspire.ErrNoDevice)
	}

	id := bridge.DeviceID{ID: p.DeviceID, VendorID: p.VendorID, ProductID: p.ProductID}
	s, err := bridge.Open(d.transport, d.protocol, id, nspire.Channel(p.Channel), d.notifier,
		bridge.WithWindow(d.window),
		bridge.WithLogger(d.log.With(zap.Stringer("device", id))),
	)
	if err != nil {
		return nil, err
	}

	d.nextID++
	d.sessions[d.nextID] = s
	return OpenResult{Session: d.nextID}, nil
}
