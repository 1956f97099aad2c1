package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/stream"
)

// Subscription is an open event stream. Events are delivered in server
// order; the channel closes when the stream ends.
type Subscription struct {
	conn   net.Conn
	codec  stream.Codec
	events chan *stream.Event
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Subscribe opens the event stream for the client's actor: their own jobs,
// or every event for admins. format is "json" (default) or "msgpack".
func (c *Client) Subscribe(ctx context.Context, format string) (*Subscription, error) {
	codec, err := stream.GetCodec(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", renderq.ErrInvalidArgument, err)
	}

	u := c.base.JoinPath("/v1/stream")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = "format=" + codec.Name()

	hdr := http.Header{}
	if c.hasActor {
		hdr.Set(HeaderUserID, c.actor.UserID)
		hdr.Set(HeaderUserAdmin, strconv.FormatBool(c.actor.IsAdmin))
		hdr.Set(HeaderTrustLevel, strconv.Itoa(c.actor.TrustLevel))
	}

	conn, _, _, err := ws.Dialer{Header: ws.HandshakeHeaderHTTP(hdr)}.Dial(ctx, u.String())
	if err != nil {
		var se ws.StatusError
		if errors.As(err, &se) {
			return nil, &APIError{Status: int(se), Message: "stream handshake rejected"}
		}
		return nil, fmt.Errorf("%w: websocket dial: %w", renderq.ErrServiceUnavailable, err)
	}

	s := &Subscription{
		conn:   conn,
		codec:  codec,
		events: make(chan *stream.Event, 64),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go s.readLoop()
	return s, nil
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan *stream.Event { return s.events }

// Err returns the error that ended the stream, or nil after a clean close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = wsutil.WriteClientMessage(s.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}

func (s *Subscription) readLoop() {
	defer close(s.events)
	for {
		data, _, err := wsutil.ReadServerData(s.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, net.ErrClosed) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			_ = s.Close()
			return
		}

		evt, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn("renderq/client: invalid stream event", slog.String("error", err.Error()))
			continue
		}
		select {
		case s.events <- evt:
		case <-s.done:
			return
		}
	}
}
