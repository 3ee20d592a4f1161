// Package events はジョブとタスクの状態変化を WebSocket で配信します。
// 配信は補助的なもので、取りこぼした場合はポーリング用の API で最新の状態を取得できます。
package events

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Message はクライアントへ送るイベントです。
type Message struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub は接続中のクライアントを管理し、イベントを配信します。
type Hub struct {
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub は Hub を作成します。allowedOrigins は Origin ヘッダーの前方一致で判定します。
// Origin ヘッダーが無い接続は許可します。
func NewHub(allowedOrigins []string, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Hub{log: log, clients: make(map[string]*client)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.HasPrefix(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Publish はすべてのクライアントへイベントを送ります。
// 送信バッファが埋まっているクライアントは切断します。
func (h *Hub) Publish(event string, payload any) {
	body, err := json.Marshal(Message{Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		h.log.Warnw("Failed to encode event", "event", event, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- body:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warnw("Dropping slow event subscriber", "client_id", c.id)
		h.remove(c)
	}
}

// Clients は接続中のクライアント数を返します。
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close はすべての接続を閉じ、以後の接続を拒否します。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

// Handler は GET /events のハンドラーです。
func (h *Hub) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			// Upgrade がエラー応答を書き込み済み
			h.log.Debugw("WebSocket upgrade failed", "error", err)
			return
		}

		c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
		if !h.add(c) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			conn.Close()
			return
		}
		h.log.Infow("Event subscriber connected", "client_id", c.id, "client_ip", ctx.ClientIP())

		go h.writePump(c)
		h.readPump(c)
	}
}

// readPump はクライアントからのメッセージを読み捨て、切断を検知します。
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.log.Infow("Event subscriber disconnected", "client_id", c.id)
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case body, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
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
