package battles

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/oggyb/battle-engine/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256

	// a viewer may ask for a full resync about once a second
	syncEvery = time.Second
	syncBurst = 3
)

// clientMessage is what a viewer may send: {"type":"sync"}.
type clientMessage struct {
	Type string `json:"type"`
}

// syncMessage answers a sync request with the full battle view.
type syncMessage struct {
	Type string      `json:"type"`
	View *BattleView `json:"view,omitempty"`
	Err  string      `json:"error,omitempty"`
}

// wsClient is a broadcaster sink backed by one websocket connection.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	closed  chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     *slog.Logger
}

func newWSClient(conn *websocket.Conn, log *slog.Logger) *wsClient {
	return &wsClient{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		closed:  make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(syncEvery), syncBurst),
		log:     log,
	}
}

// Deliver implements broadcast.Sink.
func (c *wsClient) Deliver(e broadcast.Event) error {
	select {
	case <-c.closed:
		return broadcast.ErrSinkClosed
	default:
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *wsClient) enqueue(b []byte) error {
	select {
	case c.send <- b:
		return nil
	default:
		return broadcast.ErrSinkFull
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.closed) })
}

// readPump handles pongs and sync requests until the connection drops.
// resync is nil on the feed, where there is no single battle to resync.
func (c *wsClient) readPump(resync func(context.Context) (*BattleView, error)) {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read failed", "err", err)
			}
			return
		}

		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil || msg.Type != "sync" {
			continue
		}
		c.reply(c.answerSync(resync))
	}
}

func (c *wsClient) answerSync(resync func(context.Context) (*BattleView, error)) syncMessage {
	if resync == nil {
		return syncMessage{Type: "error", Err: "sync is only available on a battle stream"}
	}
	if !c.limiter.Allow() {
		return syncMessage{Type: "error", Err: "too many sync requests"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	v, err := resync(ctx)
	if err != nil {
		return syncMessage{Type: "error", Err: err.Error()}
	}
	return syncMessage{Type: "sync", View: v}
}

func (c *wsClient) reply(m syncMessage) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if c.enqueue(b) != nil {
		c.log.Debug("websocket send buffer full, sync reply dropped")
	}
}

// writePump is the only writer on the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
