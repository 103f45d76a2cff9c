package frontend

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket timeout constants following Gorilla best practices.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is same-origin in the embedded UI; remote origins are
	// fronted by a reverse proxy that handles auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedClient is one connected websocket consumer.
type feedClient struct {
	conn *websocket.Conn
	send chan []Message
}

// Feed pushes the bus contents to websocket clients whenever the bus
// changes, and on connect.
type Feed struct {
	bus    *Bus
	logger *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*feedClient]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewFeed creates a feed over the bus. Start must be called before
// serving connections.
func NewFeed(bus *Bus, logger *zap.SugaredLogger) *Feed {
	return &Feed{
		bus:     bus,
		logger:  logger,
		clients: make(map[*feedClient]struct{}),
		stop:    make(chan struct{}),
	}
}

// Start launches the broadcaster goroutine.
func (f *Feed) Start() {
	watch := f.bus.Watch()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.bus.Unwatch(watch)
		for {
			select {
			case <-f.stop:
				return
			case <-watch:
				f.broadcast(f.bus.ReadAll())
			}
		}
	}()
}

// Stop shuts the broadcaster down and closes client connections.
func (f *Feed) Stop() {
	close(f.stop)
	f.wg.Wait()

	f.mu.Lock()
	for c := range f.clients {
		close(c.send)
	}
	f.clients = make(map[*feedClient]struct{})
	f.mu.Unlock()
}

func (f *Feed) broadcast(messages []Message) {
	f.mu.Lock()
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- messages:
		default:
			// Client is not keeping up; skip this update.
		}
	}
}

// ServeHTTP upgrades the connection and streams bus snapshots.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := &feedClient{conn: conn, send: make(chan []Message, 8)}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	// Initial snapshot on connect.
	client.send <- f.bus.ReadAll()

	go f.writePump(client)
	f.readPump(client)
}

func (f *Feed) writePump(c *feedClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case messages, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(messages); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) readPump(c *feedClient) {
	defer func() {
		f.mu.Lock()
		if _, ok := f.clients[c]; ok {
			delete(f.clients, c)
			close(c.send)
		}
		f.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// The feed is one-way; reads only service control frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
