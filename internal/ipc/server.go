package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/internal/logging"
	"sentinel/internal/security"
)

// Handler processes authenticated IPC messages. The envelope token has
// already been verified when the handler runs.
type Handler interface {
	// HandleMessage processes a message body and returns a response
	HandleMessage(ctx context.Context, conn *AgentConn, msgType MessageType, body json.RawMessage) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, conn *AgentConn, msgType MessageType, body json.RawMessage) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, conn *AgentConn, msgType MessageType, body json.RawMessage) (*Message, error) {
	return f(ctx, conn, msgType, body)
}

// Server is the IPC server that receives agent traffic on loopback TCP.
type Server struct {
	mu       sync.RWMutex
	listener net.Listener
	addr     string
	token    string
	handler  Handler
	conns    map[string]*AgentConn
	log      *logging.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxConns     int

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// AgentConn represents a connected agent
type AgentConn struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	RemoteAddr   string
	ConnectedAt  time.Time
	LastActivity time.Time

	// Write serialization
	writeMu sync.Mutex
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	ListenAddr     string // Loopback TCP address
	AuthToken      string // Shared token checked on every message
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int // 0 means no limit
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   "127.0.0.1:51234",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.AuthToken == "" {
		return nil, errors.New("ipc: auth token required")
	}
	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen address %q: %w", cfg.ListenAddr, err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("ipc: listen address %q is not loopback", cfg.ListenAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:         cfg.ListenAddr,
		token:        cfg.AuthToken,
		handler:      handler,
		conns:        make(map[string]*AgentConn),
		log:          logging.Default().WithComponent("ipc-server"),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		maxConns:     cfg.MaxConnections,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.running.Store(true)
	s.log.Info("listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, conn := range s.conns {
		conn.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("shutdown timed out waiting for connections")
	}

	return nil
}

// Addr returns the bound listener address, useful when the configured port
// is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// ConnCount returns the number of connected agents
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}

		s.mu.RLock()
		count := len(s.conns)
		s.mu.RUnlock()

		if s.maxConns > 0 && count >= s.maxConns {
			s.log.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		agent := &AgentConn{
			ID:           generateConnID(),
			conn:         conn,
			RemoteAddr:   conn.RemoteAddr().String(),
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		s.mu.Lock()
		s.conns[agent.ID] = agent
		s.mu.Unlock()

		s.log.Debug("agent connected", "id", agent.ID, "remote", agent.RemoteAddr)

		s.wg.Add(1)
		go s.handleConnection(agent)
	}
}

// handleConnection handles a single agent connection
func (s *Server) handleConnection(agent *AgentConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, agent.ID)
		s.mu.Unlock()
		agent.conn.Close()
		s.log.Debug("agent disconnected", "id", agent.ID)
	}()

	// Counting the bytes of the current frame lets a read timeout be
	// classified: zero bytes consumed is an idle agent, anything else is a
	// stalled frame and resuming would decode from the wrong offset.
	cr := &countingReader{r: agent.conn}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		agent.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		cr.n = 0

		msg, err := ReadMessage(cr)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if cr.n == 0 {
					// Idle agent, wait for the next message
					continue
				}
				s.log.Warn("timed out mid-frame, dropping connection", "id", agent.ID, "bytes", cr.n)
				return
			}
			s.log.Warn("read failed, dropping connection", "id", agent.ID, "error", err)
			return
		}

		agent.mu.Lock()
		agent.LastActivity = time.Now()
		agent.mu.Unlock()

		var env Envelope
		if err := Decode(msg.Payload, &env); err != nil {
			s.sendMessage(agent, NewErrorMessage(ErrCodeInvalidRequest, "malformed envelope"))
			return
		}

		if !security.TokenEqual(env.AuthToken, s.token) {
			s.log.Warn("rejecting message with bad auth token", "id", agent.ID, "type", msg.Header.Type.String())
			s.sendMessage(agent, NewErrorMessage(ErrCodeUnauthorized, "invalid auth token"))
			return
		}

		response, err := s.handler.HandleMessage(s.ctx, agent, msg.Header.Type, env.Body)
		if err != nil {
			s.log.Error("handler failed", "type", msg.Header.Type.String(), "error", err)
			response = NewErrorMessage(ErrCodeInternal, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(agent, response); err != nil {
				s.log.Warn("write failed, dropping connection", "id", agent.ID, "error", err)
				return
			}
		}
	}
}

// sendMessage sends a message to an agent
func (s *Server) sendMessage(agent *AgentConn, msg *Message) error {
	agent.writeMu.Lock()
	defer agent.writeMu.Unlock()

	agent.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(agent.conn)
}

// countingReader counts bytes consumed from the underlying reader.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

var connSeq atomic.Uint64

// generateConnID generates a unique connection ID
func generateConnID() string {
	return fmt.Sprintf("agent-%d-%d", time.Now().UnixNano(), connSeq.Add(1))
}
