package broker

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/printnest/bambulink/engine"
)

// The websocket shim lets browser-based dashboards reach the multiplexer:
// GET /mqtt upgrades to a websocket carrying binary MQTT 3.1.1 frames, which
// feed the exact same per-client packet loop as the TCP listener.

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"mqtt"},
	// Local trust model: anything on the LAN may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (b *Broker) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /mqtt", b.serveWebsocket)
}

func (b *Broker) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("mqtt websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	if b.connCount.Load() >= maxClients {
		slog.Warn("rejecting mqtt websocket client, connection limit reached", "remote", r.RemoteAddr)
		ws.Close()
		return
	}
	b.connCount.Add(1)
	defer b.connCount.Add(-1)

	b.ServeConn(&wsConn{ws: ws})
}

// wsConn adapts a websocket connection to the broker's conn interface.
// Reads treat the sequence of binary messages as one byte stream; each Write
// becomes a single binary message, which works out because the broker writes
// exactly one encoded packet per call.
type wsConn struct {
	ws      *websocket.Conn
	current io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.current == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.current = r
		}
		n, err := c.current.Read(p)
		if err == io.EOF {
			c.current = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
