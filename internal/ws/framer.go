package ws

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lumerelay/internal/conn"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = conn.MaxFrameSize
)

// framer carries one frame per binary websocket message
type framer struct {
	conn *websocket.Conn

	// gorilla allows a single concurrent writer
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newFramer(c *websocket.Conn) *framer {
	c.SetReadLimit(maxMessageSize)
	return &framer{conn: c}
}

func (f *framer) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage || typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (f *framer) WriteFrame(data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (f *framer) CloseWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (f *framer) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.conn.Close()
	})
	return f.closeErr
}
