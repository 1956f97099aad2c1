package api

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/stream"
)

// maxClientFrame bounds frames read from stream clients. Clients only send
// control frames.
const maxClientFrame = 4096

// stream upgrades to a websocket and pushes job events: the caller's own
// jobs, or every job and worker event for admins.
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		a.writeError(w, r, fmt.Errorf("%w: event stream disabled", renderq.ErrServiceUnavailable))
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = stream.CodecNameJSON
	}
	codec, err := stream.GetCodec(format)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: %w", renderq.ErrInvalidArgument, err))
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	sc := &streamConn{conn: conn}
	defer conn.Close()

	actor := actorFrom(r)
	topic := stream.UserTopic(actor.UserID)
	if actor.IsAdmin {
		topic = stream.TopicFirehose
	}
	sub := a.broker.Subscribe("", nil, topic)
	defer a.broker.RemoveSubscriber(sub.ID())

	a.logger.Debug("stream subscriber connected",
		slog.String("subscriber_id", sub.ID()),
		slog.String("user_id", actor.UserID),
		slog.String("format", codec.Name()),
	)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		sc.drain()
	}()

	op := ws.OpText
	if codec.Binary() {
		op = ws.OpBinary
	}
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				_ = sc.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "shutting down"))
				return
			}
			data, encErr := codec.Encode(evt)
			if encErr != nil {
				a.logger.Warn("stream encode failed", slog.String("error", encErr.Error()))
				continue
			}
			if writeErr := sc.write(op, data); writeErr != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// streamConn serializes frame writes from the event loop and the control
// frame replies of the reader.
type streamConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (s *streamConn) write(op ws.OpCode, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsutil.WriteServerMessage(s.conn, op, data)
}

// drain reads client frames until the connection closes, answering pings.
func (s *streamConn) drain() {
	for {
		header, err := ws.ReadHeader(s.conn)
		if err != nil || header.Length > maxClientFrame {
			return
		}
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}
		switch header.OpCode {
		case ws.OpClose:
			_ = s.write(ws.OpClose, nil)
			return
		case ws.OpPing:
			if s.write(ws.OpPong, payload) != nil {
				return
			}
		}
	}
}
