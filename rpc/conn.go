package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
)

// wsConn serves the requests of one websocket client. Requests are handled
// concurrently so a waiting testing/result never stalls the read loop. All
// writes go through a single queue since the websocket connection supports
// one concurrent writer only.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	log    log.Logger

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(s *Server, conn *websocket.Conn) *wsConn {
	return &wsConn{
		server: s,
		conn:   conn,
		log:    s.log.New("remote", conn.RemoteAddr().String()),
		queue:  make(chan []byte, wsQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.log.Debug("Websocket client connected")
	go c.writeLoop()

	var handlers conc.WaitGroup
	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Websocket read failed", "err", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			c.send(NewRPCErrorRes(nil, ErrInvalidRequest("only text messages are supported")))
			continue
		}
		handlers.Go(func() {
			res, after := c.server.handleMessage(ctx, msg, c.notify)
			c.send(res)
			if after != nil {
				after()
			}
		})
	}

	cancel()
	if r := handlers.WaitAndRecover(); r != nil {
		c.log.Error("Panic while handling websocket request", "err", r.AsError())
	}
	c.close()
	c.log.Debug("Websocket client disconnected")
}

func (c *wsConn) notify(method string, params interface{}) {
	c.send(&RPCNotification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// send queues v unless the connection is closed
func (c *wsConn) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("Failed to marshal websocket message", "err", err)
		return
	}
	select {
	case c.queue <- data:
	case <-c.done:
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case data := <-c.queue:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				c.log.Debug("Failed to set write deadline", "err", err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("Websocket write failed", "err", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
