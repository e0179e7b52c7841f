// Package livefeed serves live telemetry over HTTP and websocket.
//   GET /state  current state JSON
//   GET /ws     websocket, current state then every update
package livefeed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/evmotion/canble/internal/telemetry"
	"github.com/evmotion/canble/log2"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

const (
	writeTimeout = 5 * time.Second
	clientQueue  = 16
)

type Sourcer interface {
	State() telemetry.LiveState
	Subscribe(telemetry.Observer) func()
}

type Server struct {
	log      *log2.Log
	src      Sourcer
	status   func() Status
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	unsub   func()
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (self *client) close() {
	self.once.Do(func() { close(self.send) })
}

// New status may be nil.
func New(src Sourcer, status func() Status, log *log2.Log) *Server {
	return &Server{
		log:    log,
		src:    src,
		status: status,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (self *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", self.handleState)
	mux.HandleFunc("/ws", self.handleWS)
	return mux
}

// Start subscribes to source updates. Idempotent.
func (self *Server) Start() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.unsub == nil {
		self.unsub = self.src.Subscribe(self.broadcast)
	}
}

// Stop unsubscribes and disconnects all clients.
func (self *Server) Stop() {
	self.mu.Lock()
	unsub := self.unsub
	self.unsub = nil
	clients := self.clients
	self.clients = make(map[*client]struct{})
	self.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	for c := range clients {
		c.close()
	}
}

// ListenAndServe blocks until ctx done or listen error.
func (self *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "livefeed listen=%s", addr)
	}
	self.log.Infof("livefeed listen=%s", ln.Addr().String())
	self.Start()
	hs := &http.Server{Handler: self.Handler()}
	go func() {
		<-ctx.Done()
		self.Stop()
		shutCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		_ = hs.Shutdown(shutCtx)
	}()
	if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Annotate(err, "livefeed serve")
	}
	return nil
}

func (self *Server) Clients() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.clients)
}

func (self *Server) view(s telemetry.LiveState) View {
	v := NewView(s)
	if self.status != nil {
		st := self.status()
		v.Status = &st
	}
	return v
}

func (self *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := json.Marshal(self.view(self.src.State()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (self *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		self.log.Errorf("livefeed upgrade err=%v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	if b, err := json.Marshal(self.view(self.src.State())); err == nil {
		c.send <- b
	}
	self.mu.Lock()
	self.clients[c] = struct{}{}
	self.mu.Unlock()
	self.log.Debugf("livefeed client connected remote=%s", r.RemoteAddr)

	go self.writer(c)
	// browser messages are not used, read only to detect close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	self.drop(c)
	self.log.Debugf("livefeed client disconnected remote=%s", r.RemoteAddr)
}

func (self *Server) writer(c *client) {
	defer c.conn.Close()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			self.log.Debugf("livefeed write err=%v", err)
			self.drop(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (self *Server) drop(c *client) {
	self.mu.Lock()
	delete(self.clients, c)
	self.mu.Unlock()
	c.close()
}

// broadcast never blocks ingest, slow client misses updates.
func (self *Server) broadcast(s telemetry.LiveState) {
	b, err := json.Marshal(self.view(s))
	if err != nil {
		self.log.Errorf("livefeed marshal err=%v", err)
		return
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	for c := range self.clients {
		select {
		case c.send <- b:
		default:
			self.log.Debugf("livefeed client slow, update dropped")
		}
	}
}
