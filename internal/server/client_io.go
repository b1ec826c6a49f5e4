package server

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	apperrors "github.com/treesync/host/internal/errors"
)

var (
	// errQueueFull is returned by Send when the client cannot keep up.
	errQueueFull = errors.New("send queue full")

	// errClientClosed is returned by Send after Close.
	errClientClosed = errors.New("client closed")
)

// Send implements session.Channel. It never blocks: a full queue is an
// error and the session drops the client.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errQueueFull
	}
}

// Close implements session.Channel.
func (c *Client) Close() error {
	c.closeSend()
	return nil
}

// closeSend safely signals the client to shut down exactly once.
// This is safe to call multiple times from different goroutines.
// We only close the done channel (not send) to avoid racing with
// ongoing send operations. All senders check done before sending.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// writePump sends queued frames to the websocket. Liveness is the
// session's protocol-level ping, so no websocket pings are sent here.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			// Flush what the session queued before closing, e.g. a final
			// error or the frames that preceded a reload.
		drain:
			for {
				select {
				case payload := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(c.frameType, payload); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.frameType, payload); err != nil {
				glog.V(1).Infof("server: write to %s: %v", c.conn.RemoteAddr(), err)
				c.closeSend()
				c.server.disconnect(c, apperrors.Wrap(apperrors.CodeServerSendFailed, "write", err))
				return
			}
		}
	}
}

// readPump hands every frame from the websocket to the session until the
// connection goes away.
func (c *Client) readPump() {
	defer func() {
		c.closeSend()
		c.server.disconnect(c, apperrors.New(apperrors.CodeServerConnectionLost, "observer disconnected"))
	}()

	c.conn.SetReadLimit(maxMessageSize)

	select {
	case <-c.registered:
	case <-c.done:
		return
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				glog.Infof("server: read from %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}

		// Frames are processed in order; a slow behaviour handler applies
		// backpressure to this observer only.
		if err := c.session.HandleFrame(context.Background(), c.id, data); err != nil {
			if apperrors.IsCode(err, apperrors.CodeProtocolDecodeFailed) ||
				apperrors.IsCode(err, apperrors.CodeSessionConnectionNotFound) ||
				apperrors.IsCode(err, apperrors.CodeSessionClosed) {
				return
			}
			glog.Warningf("server: frame from %s: %v", c.conn.RemoteAddr(), err)
		}
	}
}
