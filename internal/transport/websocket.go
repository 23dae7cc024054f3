package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/vokalis/vokalis/internal/packet"
)

// sendQueueDepth bounds the number of packets waiting on the writer
// goroutine. At two frames per packet this is about 2.5 seconds of audio.
const sendQueueDepth = 128

// WebSocket is a [Sink] that streams marshalled packets over a binary
// websocket connection. Packets are enqueued by the encoder goroutine and
// written by a dedicated writer goroutine so a slow network never blocks the
// capture path.
type WebSocket struct {
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialWebSocket connects to the voice endpoint and starts the writer.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	wsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws := &WebSocket{
		conn:   conn,
		sendCh: make(chan []byte, sendQueueDepth),
		ctx:    wsCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go ws.writeLoop()
	return ws, nil
}

// Send implements [Sink].
func (w *WebSocket) Send(data packet.AudioData) bool {
	select {
	case w.sendCh <- Marshal(data):
		return true
	case <-w.ctx.Done():
		return false
	default:
		return false
	}
}

func (w *WebSocket) writeLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case buf := <-w.sendCh:
			if err := w.conn.Write(w.ctx, websocket.MessageBinary, buf); err != nil {
				slog.Warn("transport: websocket write failed", "err", err)
				w.cancel()
				return
			}
		}
	}
}

// Close stops the writer and closes the connection.
func (w *WebSocket) Close() error {
	w.cancel()
	<-w.done
	return w.conn.Close(websocket.StatusNormalClosure, "pipeline shutdown")
}
