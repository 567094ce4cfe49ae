package ws

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ntando/computer/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 32
)

// Message types exchanged on the websocket channel.
const (
	MessageJoin   = "join-deployment"
	MessageLeave  = "leave-deployment"
	MessageStatus = "deployment-status"
	MessageError  = "error"
)

// Message is the websocket envelope in both directions.
type Message struct {
	Type         string              `json:"type"`
	DeploymentID string              `json:"deploymentId,omitempty"`
	Data         *domain.StatusEvent `json:"data,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// Client bridges one websocket connection to the hub. A connection may join
// several deployments; each is followed independently.
type Client struct {
	conn   *websocket.Conn
	send   chan Message
	log    *slog.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	joined map[string]*joinedRoom
}

// joinedRoom is one live follow. A pointer identity lets a finished follow
// drop its own entry without removing a newer join for the same id.
type joinedRoom struct {
	stop context.CancelFunc
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		log:    logger,
		joined: make(map[string]*joinedRoom),
	}
}

// Serve pumps messages until the connection or ctx closes.
func (c *Client) Serve(ctx context.Context, hub *Hub, snapshot SnapshotFunc) {
	ctx, cancel := context.WithCancel(ctx)
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump(ctx)
	}()

	c.readPump(ctx, hub, snapshot)
	cancel()
	c.wg.Wait()
	<-written
	_ = c.conn.Close()
}

func (c *Client) readPump(ctx context.Context, hub *Hub, snapshot SnapshotFunc) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		id := strings.TrimSpace(msg.DeploymentID)
		switch msg.Type {
		case MessageJoin:
			if id == "" {
				c.enqueue(ctx, Message{Type: MessageError, Error: "deploymentId is required"})
				continue
			}
			// joining again restarts the follow with a fresh snapshot
			followCtx, stop := context.WithCancel(ctx)
			room := &joinedRoom{stop: stop}
			c.mu.Lock()
			if prev, ok := c.joined[id]; ok {
				prev.stop()
			}
			c.joined[id] = room
			c.mu.Unlock()
			c.wg.Add(1)
			go c.follow(followCtx, hub, id, room, snapshot)
		case MessageLeave:
			c.mu.Lock()
			if room, ok := c.joined[id]; ok {
				room.stop()
				delete(c.joined, id)
			}
			c.mu.Unlock()
		default:
			c.enqueue(ctx, Message{Type: MessageError, Error: "unknown message type"})
		}
	}
}

// Following reports how many deployments the connection is still following.
func (c *Client) Following() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joined)
}

func (c *Client) follow(ctx context.Context, hub *Hub, deploymentID string, room *joinedRoom, snapshot SnapshotFunc) {
	defer c.wg.Done()
	defer func() {
		room.stop()
		c.mu.Lock()
		if c.joined[deploymentID] == room {
			delete(c.joined, deploymentID)
		}
		c.mu.Unlock()
	}()
	err := Follow(ctx, hub, deploymentID, snapshot, func(ev domain.StatusEvent) error {
		if !c.enqueue(ctx, Message{Type: MessageStatus, DeploymentID: deploymentID, Data: &ev}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug("deployment follow ended", "deployment_id", deploymentID, "error", err)
		c.enqueue(ctx, Message{Type: MessageError, DeploymentID: deploymentID, Error: publicError(err)})
	}
}

func (c *Client) enqueue(ctx context.Context, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// unblocks readPump when a write fails
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ErrNotFound is what snapshot functions return for unknown or foreign deployments.
var ErrNotFound = errors.New("deployment not found")

func publicError(err error) string {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound.Error()
	}
	return "deployment status unavailable"
}
