// Package server 提供 WebSocket 傳輸層與唯讀 HTTP 端點。
//
// 系統設計問題：
//   如何在不可靠的瀏覽器連線上承載低延遲的對戰事件流？
//
// 核心挑戰：
//   1. 實時推播：射擊結果、回合變更需要立即送達雙方
//   2. 心跳機制：檢測死連接（網路異常、瀏覽器崩潰）
//   3. 連線即會話：每條連線配發一個隨機身分，重連靠令牌而非連線本身
//   4. 慢客戶端隔離：單一壅塞的連線不能拖累其他對局
//
// 設計方案：
//   ✅ Hub 模式 - 集中管理所有連線，身分 → 會話單層映射
//   ✅ Ping/Pong 心跳 - 54s Ping / 60s 讀取超時（留 6 秒餘量）
//   ✅ 緩衝 channel - 異步發送，緩衝滿時丟棄而非阻塞
//   ✅ closeOnce - Send channel 只關閉一次
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/battleship-arena/internal/coordinator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Hub WebSocket 連線中心。實作 coordinator.Sender。
type Hub struct {
	coord    *coordinator.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session // identity -> session
	closed   bool
}

// Session 一條 WebSocket 連線即一個會話身分
type Session struct {
	Identity string
	Addr     string
	Conn     *websocket.Conn
	Send     chan []byte

	hub       *Hub
	closeOnce sync.Once
}

// NewHub 建立連線中心。調度核心稍後以 Bind 注入
// （兩者互相引用：Hub 推播事件、核心接收動作）。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sessions: make(map[string]*Session),
	}
}

// Bind 注入調度核心
func (hub *Hub) Bind(coord *coordinator.Service) {
	hub.coord = coord
}

// ServeWS 處理 WebSocket 升級。
// 每條連線配發一個隨機會話身分；舊對局的接續靠 join_queue 帶令牌。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := &Session{
		Identity: uuid.NewString(),
		Addr:     remoteHost(r),
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
		hub:      hub,
	}

	if !hub.register(sess) {
		conn.Close()
		return
	}

	go sess.writePump()
	go sess.readPump()

	hub.logger.Info("websocket session opened",
		"identity", sess.Identity, "addr", sess.Addr)
}

// remoteHost 取出客戶端位址（去除埠號）
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// register 註冊會話；Hub 已停止時拒絕
func (hub *Hub) register(sess *Session) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		return false
	}
	hub.sessions[sess.Identity] = sess
	return true
}

// unregister 註銷會話並通知調度核心斷線
func (hub *Hub) unregister(sess *Session) {
	hub.mu.Lock()
	current, ok := hub.sessions[sess.Identity]
	if ok && current == sess {
		delete(hub.sessions, sess.Identity)
	}
	hub.mu.Unlock()

	sess.closeOnce.Do(func() {
		close(sess.Send)
	})

	if ok && current == sess && hub.coord != nil {
		hub.coord.Disconnect(sess.Identity)
	}
}

// Send 實作 coordinator.Sender：推播事件給指定身分。
// 未連線或緩衝滿時靜默丟棄（慢客戶端不能阻塞調度核心）。
func (hub *Hub) Send(identity string, ev coordinator.Event) {
	hub.mu.RLock()
	sess, ok := hub.sessions[identity]
	hub.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		hub.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	select {
	case sess.Send <- data:
	default:
		hub.logger.Warn("session send buffer full, event dropped",
			"identity", identity, "type", ev.Type)
	}
}

// Connected 實作 coordinator.Sender：身分是否有活躍連線
func (hub *Hub) Connected(identity string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	_, ok := hub.sessions[identity]
	return ok
}

// Count 活躍連線數（監控用）
func (hub *Hub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.sessions)
}

// Stop 關閉所有連線
func (hub *Hub) Stop() {
	hub.mu.Lock()
	hub.closed = true
	sessions := make([]*Session, 0, len(hub.sessions))
	for _, sess := range hub.sessions {
		sessions = append(sessions, sess)
	}
	hub.sessions = make(map[string]*Session)
	hub.mu.Unlock()

	for _, sess := range sessions {
		sess.closeOnce.Do(func() {
			close(sess.Send)
		})
		sess.Conn.Close()
	}
	hub.logger.Info("websocket hub stopped")
}

// readPump 讀取客戶端動作並交給調度核心。
//
// 心跳機制（讀取端）：60 秒內未收到任何訊息（含 Pong）即關閉連線，
// 配合 writePump 的 54 秒 Ping 留 6 秒餘量。
func (sess *Session) readPump() {
	defer func() {
		sess.hub.unregister(sess)
		sess.Conn.Close()
	}()

	sess.Conn.SetReadLimit(maxMessageSize)
	if err := sess.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		sess.hub.logger.Error("set read deadline failed", "error", err)
	}
	sess.Conn.SetPongHandler(func(string) error {
		return sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := sess.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.hub.logger.Warn("websocket read error",
					"identity", sess.Identity, "error", err)
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		sess.hub.coord.HandleAction(context.Background(), sess.Identity, sess.Addr, message)
	}
}

// writePump 寫入事件到客戶端。
//
// 心跳機制（發送端）：54 秒間隔發 Ping——避開代理服務器常見的
// 60 秒閒置超時，留餘量給網路延遲。
func (sess *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-sess.Send:
			if err := sess.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				sess.hub.logger.Error("set write deadline failed", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，送出關閉幀後收工
				_ = sess.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := sess.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批次送出佇列中的其餘訊息
			n := len(sess.Send)
			for i := 0; i < n; i++ {
				if err := sess.Conn.WriteMessage(websocket.TextMessage, <-sess.Send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := sess.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				sess.hub.logger.Error("set write deadline failed", "error", err)
			}
			if err := sess.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
