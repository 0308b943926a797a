// SPDX-License-Identifier: GPL-3.0-or-later
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CrawX/go-imap-mailstream/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 4096
)

// wsConn adapts a websocket to mailstream.Conn. Writes are serialized, the session task and the
// read loop both write.
type wsConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWsConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:     ws,
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(event domain.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}

	err := c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err != nil {
		return err
	}
	return c.ws.WriteJSON(event)
}

// Close sends a close frame with code and closes the connection. Only the first call has an effect.
func (c *wsConn) Close(code int) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

// readLoop passes every message to handle until the connection fails and returns the close code.
func (c *wsConn) readLoop(handle func(data []byte)) int {
	c.ws.SetReadLimit(maxCommandSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return websocket.CloseAbnormalClosure
		}
		handle(data)
	}
}

// keepAlive pings the client until the connection is closed. When ctx is done the connection is
// closed with CloseGoingAway.
func (c *wsConn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				return
			}
		case <-ctx.Done():
			_ = c.Close(websocket.CloseGoingAway)
			return
		case <-c.closed:
			return
		}
	}
}
