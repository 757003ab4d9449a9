// Package server exposes bridge sessions to a host over a websocket.
//
// Every connection owns its sessions and a single worker that runs calls in
// arrival order. Results are always delivered; progress updates are
// posted without blocking and dropped when the connection falls behind.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/dominikbayerl/go-nspirelink/metrics"
	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/types"
)

const (
	DefaultOutboxSize = 64
	DefaultMaxMessage = 64 << 20
	DefaultMaxRead    = 64 << 20

	writeTimeout = 10 * time.Second
)

type Options struct {
	// OriginPatterns are passed to websocket.Accept. Empty allows same-origin only.
	OriginPatterns []string
	// MaxMessage bounds a single inbound message in bytes.
	MaxMessage int64
	// OutboxSize is the number of pending outbound messages per connection.
	OutboxSize int
	// MaxRead bounds the size a read call may ask for.
	MaxRead uint32
	// ProgressWindow is handed to every session's throttler. Zero reports
	// every callback; a negative value selects bridge.DefaultWindow.
	ProgressWindow int
	// Allowed filters the vendor/product pair on open. Nil allows all.
	Allowed func(vid, pid uint16) bool
}

type Server struct {
	transport nspire.Transport
	protocol  nspire.Protocol
	opts      Options
	log       *zap.Logger
}

func New(transport nspire.Transport, protocol nspire.Protocol, opts Options, log *zap.Logger) *Server {
	if opts.MaxMessage <= 0 {
		opts.MaxMessage = DefaultMaxMessage
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.MaxRead == 0 {
		opts.MaxRead = DefaultMaxRead
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{transport: transport, protocol: protocol, opts: opts, log: log}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(s.opts.MaxMessage)

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Info("host connected")

	err = s.serve(r.Context(), c, log)
	switch {
	case err == nil:
		c.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		c.Close(websocket.StatusGoingAway, "shutting down")
	default:
		log.Warn("connection ended", zap.Error(err))
		c.Close(websocket.StatusInternalError, "")
	}
	log.Info("host disconnected")
}

func (s *Server) serve(ctx context.Context, c *websocket.Conn, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := newOutbox(s.opts.OutboxSize)
	d := NewDispatcher(s.transport, s.protocol, out, s.opts, log)
	defer d.Close()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- out.drain(ctx, c)
		cancel()
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			select {
			case werr := <-writeErr:
				if !errors.Is(werr, context.Canceled) {
					return werr
				}
			default:
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return err
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			err = fmt.Errorf("malformed request: %v: %w", err, nspire.ErrInvalidArgument)
			if err := out.result(ctx, d.failure(0, "request", err)); err != nil {
				return err
			}
			continue
		}

		if err := out.result(ctx, d.Call(req)); err != nil {
			return err
		}
	}
}

type outbox struct {
	ch chan any
}

func newOutbox(size int) *outbox {
	return &outbox{ch: make(chan any, size)}
}

// Notify posts u unless the outbox is full.
func (o *outbox) Notify(u types.ProgressUpdate) {
	select {
	case o.ch <- u:
		metrics.RecordProgress(true)
	default:
		metrics.RecordProgress(false)
	}
}

func (o *outbox) result(ctx context.Context, resp Response) error {
	select {
	case o.ch <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *outbox) drain(ctx context.Context, c *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-o.ch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, v)
			cancel()
			if err != nil {
				return fmt.Errorf("error writing message: %w", err)
			}
		}
	}
}
