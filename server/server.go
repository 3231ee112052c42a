package server

import (
	"encoding/json"
	"evcs/internal"
	"evcs/internal/config"
	"evcs/utility"
	"fmt"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	wsEndpoint   = "/ocpp"
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type Server struct {
	conf           *config.Config
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	messageHandler func(ws *WebSocket, data []byte) error
	closeHandler   func(ws *WebSocket)
	errorHandler   func(ws *WebSocket, err error)
	logger         internal.LogHandler
	mux            sync.Mutex
	conns          map[string]*WebSocket
}

// WebSocket wraps one live client connection. The handle is the opaque
// identity used by the registry; it never leaves the process.
type WebSocket struct {
	conn     *websocket.Conn
	handle   string
	writeMux sync.Mutex
	done     chan struct{}
	once     sync.Once
}

func (ws *WebSocket) Handle() string {
	return ws.handle
}

// Send marshals the payload and writes it to the peer. Writes from the reader
// goroutine, the pinger and broadcasts are serialized by writeMux.
func (ws *WebSocket) Send(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ws.writeMux.Lock()
	defer ws.writeMux.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocket) ping() error {
	ws.writeMux.Lock()
	defer ws.writeMux.Unlock()
	return ws.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout))
}

func (ws *WebSocket) close() {
	ws.once.Do(func() {
		close(ws.done)
		_ = ws.conn.Close()
	})
}

func NewServer(conf *config.Config, logger internal.LogHandler) *Server {
	server := Server{
		conf:     conf,
		logger:   logger,
		upgrader: websocket.Upgrader{},
		conns:    make(map[string]*WebSocket),
	}
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Handler: router,
	}
	return &server
}

func (s *Server) SetMessageHandler(handler func(ws *WebSocket, data []byte) error) {
	s.messageHandler = handler
}

func (s *Server) SetCloseHandler(handler func(ws *WebSocket)) {
	s.closeHandler = handler
}

func (s *Server) SetErrorHandler(handler func(ws *WebSocket, err error)) {
	s.errorHandler = handler
}

func (s *Server) Register(router *httprouter.Router) {
	router.GET(wsEndpoint, s.handleWsRequest)
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.logger.Debug(fmt.Sprintf("connection initiated from remote %s", r.RemoteAddr))

	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", err)
		return
	}

	ws := &WebSocket{
		conn:   conn,
		handle: utility.NewUUID(),
		done:   make(chan struct{}),
	}
	s.addConnection(ws)
	s.logger.Debug(fmt.Sprintf("upgraded socket %s and ready to receive data", ws.handle))

	go s.pinger(ws)
	go s.messageReader(ws)
}

func (s *Server) addConnection(ws *WebSocket) {
	s.mux.Lock()
	s.conns[ws.handle] = ws
	count := len(s.conns)
	s.mux.Unlock()
	observeConnections(count)
}

func (s *Server) removeConnection(ws *WebSocket) {
	s.mux.Lock()
	delete(s.conns, ws.handle)
	count := len(s.conns)
	s.mux.Unlock()
	observeConnections(count)
}

// pinger probes the connection liveness on a fixed interval. A missing pong
// does not force-close the connection; the probe stops when the socket does.
func (s *Server) pinger(ws *WebSocket) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				s.logger.Debug(fmt.Sprintf("ping to %s failed: %s", ws.handle, err))
			}
		}
	}
}

func (s *Server) messageReader(ws *WebSocket) {
	conn := ws.conn
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, 3001) {
				s.logger.Debug(fmt.Sprintf("socket %s leaving session", ws.handle))
			} else {
				s.logger.Debug(fmt.Sprintf("socket %s is closing session: %s", ws.handle, err))
				if s.errorHandler != nil {
					s.errorHandler(ws, err)
				}
			}
			s.removeConnection(ws)
			ws.close()
			if s.closeHandler != nil {
				s.closeHandler(ws)
			}
			return
		}
		s.logger.RawDataEvent("IN", string(message))
		if s.messageHandler != nil {
			err = s.messageHandler(ws, message)
			if err != nil {
				s.logger.Error(fmt.Sprintf("handling message from %s", ws.handle), err)
				continue
			}
		}
	}
}

// Broadcast sends the status update to every live connection except the
// sender. Delivery is best-effort; a failed write to one peer must not abort
// the others.
func (s *Server) Broadcast(senderHandle string, update *StatusUpdate) {
	s.mux.Lock()
	peers := make([]*WebSocket, 0, len(s.conns))
	for handle, ws := range s.conns {
		if handle == senderHandle {
			continue
		}
		peers = append(peers, ws)
	}
	s.mux.Unlock()

	if len(peers) == 0 {
		return
	}
	data, err := json.Marshal(update)
	if err != nil {
		s.logger.Error("encoding broadcast", err)
		return
	}
	s.logger.RawDataEvent("OUT", string(data))
	for _, ws := range peers {
		ws.writeMux.Lock()
		_ = ws.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = ws.conn.WriteMessage(websocket.TextMessage, data)
		ws.writeMux.Unlock()
		if err != nil {
			s.logger.Debug(fmt.Sprintf("broadcast to %s failed: %s", ws.handle, err))
		}
	}
	observeBroadcast()
}

func (s *Server) Start() error {
	if s.conf == nil {
		return utility.Err("configuration not loaded")
	}
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIP, s.conf.Listen.Port)
	s.logger.Debug(fmt.Sprintf("starting server on %s", serverAddress))
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}
	if s.conf.Listen.TLS {
		s.logger.Debug("starting https TLS server")
		err = s.httpServer.ServeTLS(listener, s.conf.Listen.CertFile, s.conf.Listen.KeyFile)
	} else {
		s.logger.Debug("starting http server")
		err = s.httpServer.Serve(listener)
	}
	return err
}
