package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/voxlog/voxlog/internal/utils"
)

// WSHandler streams captured audio over a websocket: each binary frame is one
// fragment for the active recording, so browser drivers can feed the recorder
// without a POST per fragment. Text frames carry JSON control messages.
type WSHandler struct {
	push     AudioIngest
	upgrader websocket.Upgrader
}

func NewWSHandler(push AudioIngest) *WSHandler {
	return &WSHandler{
		push: push,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type wsClientMsg struct {
	Type        string `json:"type"`
	AudioBase64 string `json:"audio_base64"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (h *WSHandler) RecorderWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}

	conn.SetReadLimit(maxFragmentBytes)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if mt == websocket.BinaryMessage {
			if len(data) == 0 {
				_ = wc.writeText([]byte(`{"type":"error","code":"INVALID_ARGUMENT","message":"empty fragment"}`))
				continue
			}
			if perr := h.push(data); perr != nil {
				_ = wc.writeText(wsErrorPayload(perr))
			}
			continue
		}

		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = wc.writeText([]byte(`{"type":"error","code":"INVALID_ARGUMENT","message":"invalid json"}`))
			continue
		}

		switch msg.Type {
		case "audio_chunk":
			if msg.AudioBase64 == "" {
				_ = wc.writeText([]byte(`{"type":"error","code":"INVALID_ARGUMENT","message":"audio_base64 required"}`))
				continue
			}
			raw, derr := base64.StdEncoding.DecodeString(msg.AudioBase64)
			if derr != nil || len(raw) == 0 {
				_ = wc.writeText([]byte(`{"type":"error","code":"INVALID_ARGUMENT","message":"audio_base64 is not valid base64"}`))
				continue
			}
			if perr := h.push(raw); perr != nil {
				_ = wc.writeText(wsErrorPayload(perr))
			}

		case "end_stream":
			return

		default:
			_ = wc.writeText([]byte(`{"type":"error","code":"INVALID_ARGUMENT","message":"unknown message type"}`))
		}
	}
}

func wsErrorPayload(err error) []byte {
	code := utils.CodeInternal
	var ae *utils.AppError
	if errors.As(err, &ae) {
		code = ae.Code
	}
	b, _ := json.Marshal(gin.H{
		"type":    "error",
		"code":    code,
		"message": utils.UserMessage(err),
	})
	return b
}
