package server

import (
	"bytes"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsTransport carries one record per WebSocket text frame.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn, maxRecordSize int) *wsTransport {
	conn.SetReadLimit(int64(maxRecordSize))
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadRecord() ([]byte, error) {
	for {
		mt, p, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return bytes.TrimSpace(p), nil
	}
}

func (t *wsTransport) WriteRecord(record []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, record)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (t *wsTransport) OnPong(f func()) {
	t.conn.SetPongHandler(func(string) error {
		f()
		return nil
	})
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) Kind() string {
	return "ws"
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request to a WebSocket and serves it as a client until it disconnects.
func (srv *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.WithFields(logrus.Fields{
			"remote": r.RemoteAddr,
			"error":  err,
		}).Debug("WebSocket upgrade failed")
		return
	}

	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	srv.serveClient(newWSTransport(conn, srv.config.MaxRecordSize), remote)
}
