package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/taskboard/internal/protocol"
)

type session struct {
	id           string
	owner        string
	conn         *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	logger       logrus.FieldLogger
	cancel       context.CancelFunc
}

// enqueue never blocks. Overflow ends the session.
func (s *session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		s.logger.Warn("send buffer full, closing session")
		s.cancel()
		return false
	}
}

func (s *session) reply(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.WithError(err).WithField("event", msg.Event()).Error("encode reply failed")
		return
	}
	s.enqueue(frame)
}

func (s *session) writePump(ctx context.Context) {
	defer s.cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.send:
			writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.WithError(err).Debug("ws write failed")
				return
			}
		}
	}
}

// readPump hands each text frame to handle until the peer goes away.
func (s *session) readPump(ctx context.Context, handle func(context.Context, []byte)) {
	defer s.cancel()
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.logger.WithField("status", status).Debug("ws read closed")
			} else if ctx.Err() == nil {
				s.logger.WithError(err).Debug("ws read error")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		handle(ctx, data)
	}
}
