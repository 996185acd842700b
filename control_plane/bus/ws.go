package bus

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/otaforge/otaforge/control_plane/observability"
	"github.com/otaforge/otaforge/control_plane/protocol"
)

const (
	maxDeviceConnections = 10000
	writeTimeout         = 10 * time.Second
	maxFrameSize         = 64 * 1024
)

// WSChannel is the websocket device channel: devices hold a connection
// open, send protocol envelopes as JSON text frames, and receive replies
// (AUTHENTICATE responses) on the same connection.
type WSChannel struct {
	consumer *Consumer
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewWSChannel(consumer *Consumer) *WSChannel {
	return &WSChannel{
		consumer: consumer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and runs its read loop until the
// device disconnects.
func (c *WSChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	c.mu.Lock()
	if len(c.conns) >= maxDeviceConnections {
		c.mu.Unlock()
		conn.Close()
		log.Printf("Device connection rejected: max connections (%d) reached", maxDeviceConnections)
		return
	}
	c.conns[conn] = struct{}{}
	c.mu.Unlock()
	observability.ConnectedDevices.Inc()

	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		observability.ConnectedDevices.Dec()
		conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)

	// Writes to one connection are serialized: the read loop below and
	// reply closures from pool workers may race otherwise.
	var writeMu sync.Mutex
	reply := func(ctx context.Context, reply *protocol.Reply) error {
		data, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	ctx := r.Context()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Device connection closed unexpectedly: %v", err)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Printf("Undecodable websocket frame dropped: %v", err)
			continue
		}
		if msg.ContentType == "" {
			// Websocket frames are JSON by construction of the channel.
			msg.ContentType = "application/json"
		}

		if !c.consumer.Enqueue(ctx, Delivery{Message: msg, Reply: reply}) {
			return
		}
	}
}
