package textline

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/ebusd-go/internal/ebus/dispatcher"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/logging"
)

// Deps holds the dependencies required by the text-line server.
type Deps struct {
	Config     config.TCPConfig
	Dispatcher *dispatcher.Dispatcher
	Logger     *logging.Logger
}

// Server is the line-based TCP interface.
type Server struct {
	cfg    config.TCPConfig
	disp   *dispatcher.Dispatcher
	logger *logging.Logger

	hub      *listenHub
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new text-line server. The server is not started until
// Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	return &Server{
		cfg:    deps.Config,
		disp:   deps.Dispatcher,
		logger: deps.Logger,
		hub:    newListenHub(),
	}, nil
}

// Start opens the listening socket and accepts connections in a
// background goroutine until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listening on text-line port: %w", err)
	}
	s.listener = ln
	s.disp.AddSink(s.hub)

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop(srvCtx)

	s.logger.Info("text-line server started", "addr", ln.Addr().String())
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("text-line accept failed", "error", err)
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections and waits for the accept loop
// and every open connection's handler to exit. It does not close open
// connections, so it returns only once their clients disconnect or their
// idle timeout expires.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener == nil {
		return nil
	}
	s.logger.Info("text-line server shutting down")
	err := s.listener.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("closing text-line listener: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("text-line health check: %w", ctx.Err())
	default:
	}
	if s.listener == nil {
		return fmt.Errorf("text-line server not started")
	}
	return nil
}

const outBufferSize = 64

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	out := make(chan string, outBufferSize)
	subscribed := false
	defer func() {
		if subscribed {
			s.hub.unsubscribe(out)
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go writeLoop(conn, out, done)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	if s.cfg.RateLimit <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) //nolint:errcheck // best-effort deadline
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !limiter.Allow() {
			out <- "ERR: too_many_requests"
			continue
		}

		fields := strings.Fields(line)
		verb, args := fields[0], fields[1:]

		if verb == "quit" {
			out <- "OK"
			return
		}

		resp, err := s.disp.Execute(ctx, verb, args)
		out <- dispatcher.ToLine(resp, err)

		if verb == "listen" && err == nil && !subscribed {
			s.hub.subscribe(out)
			subscribed = true
		}
	}
}

// writeLoop drains out to conn, one blank-line-terminated block per
// message, until done is closed.
func writeLoop(conn net.Conn, out <-chan string, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case line, ok := <-out:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(conn, "%s\n\n", line); err != nil {
				return
			}
		}
	}
}
