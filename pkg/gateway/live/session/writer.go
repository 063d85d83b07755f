package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	// utterance is non-zero for synthesized audio; such frames are dropped once that
	// utterance is cancelled.
	utterance int64
	payload   []byte
}

type outboundWriter struct {
	ws         wsWriter
	ctx        context.Context
	cfg        Config
	priority   <-chan outboundFrame
	normal     <-chan outboundFrame
	isCanceled func(utterance int64) bool
	// closeFrame returns the close code and reason sent when ctx ends.
	closeFrame func() (int, string)
}

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second

	shutdownFlushWindow = 100 * time.Millisecond
	shutdownFlushFrames = 32
)

// Run is the only goroutine that writes to the socket. Priority frames (errors, hand-offs,
// barge-in acks) always go out before queued normal frames. Run returns nil once both queues
// are closed or ctx ends, and the first write error otherwise.
func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	pingEvery, writeTimeout := w.timings()
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.shutdown(writeTimeout)
			return nil
		default:
		}
		if frame, ok := w.nextPriority(); ok {
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		}
		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			// A priority frame queued while we waited still goes first.
			for {
				p, ok := w.nextPriority()
				if !ok {
					break
				}
				if err := w.writeFrame(p, writeTimeout); err != nil {
					return err
				}
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) timings() (ping, write time.Duration) {
	ping, write = w.cfg.PingInterval, w.cfg.WriteTimeout
	if ping <= 0 {
		ping = defaultPingInterval
	}
	if write <= 0 {
		write = defaultWriteTimeout
	}
	return ping, write
}

// nextPriority receives a queued priority frame without blocking.
func (w *outboundWriter) nextPriority() (outboundFrame, bool) {
	if w.priority == nil {
		return outboundFrame{}, false
	}
	select {
	case frame, ok := <-w.priority:
		if !ok {
			w.priority = nil
		}
		return frame, ok
	default:
		return outboundFrame{}, false
	}
}

// shutdown flushes what is already queued so a final error frame reaches the client, then
// sends the close frame and closes the socket.
func (w *outboundWriter) shutdown(writeTimeout time.Duration) {
	window := min(shutdownFlushWindow, writeTimeout)
	deadline := time.Now().Add(window)
	for _, queue := range []<-chan outboundFrame{w.priority, w.normal} {
		for range shutdownFlushFrames {
			if queue == nil || time.Now().After(deadline) {
				break
			}
			frame, ok := tryRecv(queue)
			if !ok {
				break
			}
			_ = w.writeFrame(frame, writeTimeout)
		}
	}

	code, reason := websocket.CloseNormalClosure, ""
	if w.closeFrame != nil {
		code, reason = w.closeFrame()
	}
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}

func tryRecv(ch <-chan outboundFrame) (outboundFrame, bool) {
	select {
	case frame, ok := <-ch:
		return frame, ok
	default:
		return outboundFrame{}, false
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if frame.utterance != 0 && w.isCanceled != nil && w.isCanceled(frame.utterance) {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}
