// Package ws is the relay-broadcast signaling transport: every message goes
// through the relay server, which fans transactions out to the room.
package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerledger/txsync/internal/protocol"
)

// Transport is a websocket connection to the signaling relay.
type Transport struct {
	url  string
	log  *zap.SugaredLogger
	done chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	in     chan protocol.Message
}

// New builds a transport for the relay at the given websocket URL.
func New(url string, log *zap.SugaredLogger) *Transport {
	return &Transport{
		url:  url,
		log:  log,
		done: make(chan struct{}),
		in:   make(chan protocol.Message, 32),
	}
}

// Connect dials the relay and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	go t.readLoop()
	return nil
}

func (t *Transport) readLoop() {
	defer close(t.in)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.log.Warnf("signaling read: %v", err)
				t.emit(protocol.Message{MessageType: protocol.TypeError})
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// malformed envelopes are dropped, never fatal
			t.log.Warnf("discarding message: %v", err)
			continue
		}
		t.emit(msg)
	}
}

// emit hands a message up without wedging the read loop when the consumer
// is gone; Close releases any blocked send.
func (t *Transport) emit(msg protocol.Message) {
	select {
	case t.in <- msg:
	case <-t.done:
	}
}

// Send writes one envelope to the relay.
func (t *Transport) Send(msg protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("not connected")
	}
	return t.conn.WriteJSON(msg)
}

// Messages delivers incoming envelopes; the channel closes with the
// connection.
func (t *Transport) Messages() <-chan protocol.Message { return t.in }

// Close tears the connection down and releases the read loop.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
