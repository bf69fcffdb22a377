package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/safetalk/chat-app/internal/protocol"
)

// Transport is the WebSocket leg of the client: it dials the server with
// gobwas/ws, reads events in a background goroutine, and offers typed sends
// for the client-originated message types.
type Transport struct {
	conn      net.Conn
	mu        sync.Mutex // serializes writes
	onEvent   func(data []byte)
	done      chan struct{}
	closeOnce sync.Once

	connMu       sync.RWMutex
	connectionID string
}

// Dial connects to the server's WebSocket endpoint. The url must carry the
// user_id query parameter, e.g. ws://host:8081/ws?user_id=alice. Every
// received event is handed to onEvent from the read goroutine; pass the
// view's ApplyEvent to keep it reconciled.
func Dial(ctx context.Context, url string, onEvent func(data []byte)) (*Transport, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	t := &Transport{
		conn:    conn,
		onEvent: onEvent,
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// SendTyping reports a typing start or stop for a conversation.
func (t *Transport) SendTyping(conversationID string, isTyping bool) error {
	return t.send(protocol.TypingMsg{
		Type:           protocol.TypeTyping,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

// SendMarkRead asks the server to advance the given messages to read.
func (t *Transport) SendMarkRead(messageIDs []string) error {
	return t.send(protocol.MarkReadMsg{
		Type:       protocol.TypeMarkRead,
		MessageIDs: messageIDs,
	})
}

// SendPing sends an application-level keepalive.
func (t *Transport) SendPing() error {
	return t.send(protocol.PingMsg{Type: protocol.TypePing})
}

// ConnectionID returns the id the server assigned to this connection, empty
// until the connected event arrives.
func (t *Transport) ConnectionID() string {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connectionID
}

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

// readLoop reads server frames until the connection closes. The connected
// handshake is captured internally; everything else goes to onEvent.
func (t *Transport) readLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(t.conn)
		if err != nil {
			return
		}

		var env struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connection_id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeConnected {
			t.connMu.Lock()
			t.connectionID = env.ConnectionID
			t.connMu.Unlock()
			continue
		}

		if t.onEvent != nil {
			t.onEvent(data)
		}
	}
}
