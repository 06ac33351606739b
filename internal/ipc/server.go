package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

// Handler processes one decoded request. Implementations are responsible
// for their own deadlines; the transport only bounds frame I/O.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// Server multiplexes concurrent shim connections onto a Handler. Requests
// on different connections are fully concurrent; serialization per
// principal is the arbiter's concern, not the transport's.
type Server struct {
	path     string
	mode     os.FileMode
	auth     *PeerAuth
	handler  Handler
	log      *log.PrefixLogger
	listener *net.UnixListener

	wg sync.WaitGroup
}

func NewServer(path string, mode os.FileMode, auth *PeerAuth, handler Handler, logger *log.PrefixLogger) *Server {
	return &Server{
		path:    path,
		mode:    mode,
		auth:    auth,
		handler: handler,
		log:     logger,
	}
}

// Listen binds the socket, replacing a stale one from a previous run.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, s.mode); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until ctx is canceled, then waits for in-flight
// connections to drain.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("server is not listening")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.log.Infof("Accepting requests on %s", s.path)
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	if s.auth != nil {
		if err := s.auth.Authorize(conn); err != nil {
			s.log.Warnf("Rejecting connection: %v", err)
			return
		}
	}

	// One logical exchange at a time per connection; a client may hold the
	// connection open for subsequent exchanges.
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, brokererrors.ErrProtocol) {
				// terminate without state mutation
				s.log.Warnf("Protocol error, closing connection: %v", err)
				_ = WriteFrame(conn, &Response{Result: ResultProtocolError, Message: "malformed request"})
			}
			return
		}

		resp := s.handler.Handle(ctx, &req)
		if resp == nil {
			resp = &Response{Result: ResultProtocolError, Message: "unhandled request"}
		}
		resp.RequestID = req.RequestID
		if err := WriteFrame(conn, resp); err != nil {
			s.log.Warnf("Writing response: %v", err)
			return
		}
	}
}

// Close stops accepting and unlinks the socket.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = removeErr
	}
	return err
}
