package stream

import (
	"context"
	"time"

	"github.com/deemkeen/trunk/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	readLimit  = 1 << 20
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type wsWriter struct {
	ws *websocket.Conn
}

func (w *wsWriter) Send(frame []byte) error {
	_ = w.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return w.ws.WriteMessage(websocket.TextMessage, frame)
}

// ServeConn runs a streaming connection over ws until either side goes
// away. ws is closed on return.
func ServeConn(ctx context.Context, deps Deps, ws *websocket.Conn, user *uuid.UUID, token *auth.Claims) error {
	defer ws.Close()

	conn := NewConnection(deps, user, token, &wsWriter{ws: ws})
	if err := conn.Init(ctx); err != nil {
		conn.log.Warn().Err(err).Msg("stream.init.failed")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "init failed"),
			time.Now().Add(writeWait))
		return err
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		conn.Run()
		// unblocks the reader when the loop ends first
		_ = ws.Close()
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-runDone:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if typ != websocket.TextMessage {
			continue
		}
		conn.Handle(data)
	}

	conn.Close()
	<-runDone
	conn.log.Debug().Msg("stream.closed")
	return nil
}
