// Package hmi serves the operator terminal protocol: one JSON command per
// line in, one JSON response per line out, over a long-lived TCP connection.
package hmi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

const maxLineSize = 1 << 20

type CommandHandler interface {
	Handle(ctx context.Context, cmd kneader.Command) kneader.Response
}

type Server struct {
	address  string
	handler  CommandHandler
	logger   *zap.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(address string, handler CommandHandler, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.logger.Info("HMI server listening", zap.String("address", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection and waits for the
// connection goroutines to exit.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("HMI server stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("HMI accept error", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info("HMI client disconnected", zap.String("remote_addr", remote))
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in HMI connection",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	s.logger.Info("HMI client connected", zap.String("remote_addr", remote))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.process(line)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("HMI write failed", zap.String("remote_addr", remote), zap.Error(err))
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("HMI read failed", zap.String("remote_addr", remote), zap.Error(err))
	}
}

func (s *Server) process(line []byte) kneader.Response {
	var cmd kneader.Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		s.logger.Warn("Malformed HMI message", zap.Error(err))
		return kneader.Ack{Status: kneader.AckError, Message: fmt.Sprintf("Invalid JSON: %v", err)}
	}
	if cmd.Command == "" {
		return kneader.Ack{Status: kneader.AckError, Message: "Missing command"}
	}

	s.logger.Debug("HMI command", zap.String("command", cmd.Command))
	return s.handler.Handle(s.ctx, cmd)
}
