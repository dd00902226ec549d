package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/inbucket/listgate/pkg/msghub"
	"github.com/inbucket/listgate/pkg/rest/model"
	"github.com/inbucket/listgate/pkg/server/web"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write an activity to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// activityListener relays hub activity to one websocket.
type activityListener struct {
	hub  *msghub.Hub
	c    chan msghub.Activity
	kind string // only relay this task kind, "" for all
}

func newActivityListener(hub *msghub.Hub, kind string) *activityListener {
	al := &activityListener{
		hub:  hub,
		c:    make(chan msghub.Activity, 100),
		kind: kind,
	}
	hub.AddListener(al)
	return al
}

// Receive queues activity for the writer. A full queue drops the activity rather than stall the
// hub.
func (al *activityListener) Receive(a msghub.Activity) error {
	if al.kind != "" && al.kind != a.Kind {
		return nil
	}
	select {
	case al.c <- a:
	default:
		log.Warn().Str("module", "rest").Str("proto", "WebSocket").Str("task", a.ID).
			Msg("Monitor queue full, activity dropped")
	}
	return nil
}

// WSReader watches for the client going away, discarding anything it sends.
func (al *activityListener) WSReader(conn *websocket.Conn, done chan<- struct{}) {
	slog := log.With().Str("module", "rest").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Logger()
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		slog.Debug().Msg("Got pong")
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				slog.Warn().Err(err).Msg("Socket error")
			} else {
				slog.Debug().Msg("Closing socket")
			}
			return
		}
	}
}

// WSWriter sends activity and keepalive pings until the reader finishes or a write fails.
func (al *activityListener) WSWriter(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case a := <-al.c:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteJSON(activityJSON(a)) != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteMessage(websocket.PingMessage, []byte{}) != nil {
				return
			}
			log.Debug().Str("module", "rest").Str("proto", "WebSocket").
				Str("remote", conn.RemoteAddr().String()).Msg("Sent ping")
		}
	}
}

// Close removes the listener registration.
func (al *activityListener) Close() {
	al.hub.RemoveListener(al)
}

func activityJSON(a msghub.Activity) *model.JSONActivityV1 {
	return &model.JSONActivityV1{
		ID:          a.ID,
		Kind:        a.Kind,
		Priority:    a.Priority,
		Detail:      a.Detail,
		Error:       a.Error,
		PosixMillis: a.Started.UnixMilli(),
		DurationMS:  a.Duration.Milliseconds(),
	}
}

// MonitorActivityV1 upgrades the connection to a websocket, replays recent task activity, then
// streams each task as it finishes. The optional kind query value restricts the stream to one
// task kind.
func MonitorActivityV1(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	web.ExpWebSocketConnectsCurrent.Add(1)
	defer func() {
		_ = conn.Close()
		web.ExpWebSocketConnectsCurrent.Add(-1)
	}()
	log.Debug().Str("module", "rest").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Msg("Upgraded to WebSocket")

	al := newActivityListener(ctx.MsgHub, req.URL.Query().Get("kind"))
	defer al.Close()
	done := make(chan struct{})
	go al.WSReader(conn, done)
	al.WSWriter(conn, done)
	return nil
}

// RecentActivityV1 renders the activity history, oldest first.
func RecentActivityV1(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	recent := ctx.MsgHub.Recent()
	result := make([]*model.JSONActivityV1, len(recent))
	for i, a := range recent {
		result[i] = activityJSON(a)
	}
	return web.RenderJSON(w, result)
}
