// Package server implements the TCP front-end for the command-log device:
// an accept loop that spawns one worker per connection, a shared mutex
// guarding the store when it backs the in-process log, and a periodic
// timestamp-appending task.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/yanet-platform/cmdlog/internal/store"
)

// Server is the TCP front-end for a single Device.
type Server struct {
	cfg Config
	dev *store.Device
	log *zap.SugaredLogger

	// storeMu is the mutex shared across workers and the timestamp task
	// that guards writes to (and readback from) the backing store when it
	// is the in-process log. A store fronting an external character
	// device would skip this mutex entirely, since the device already
	// serializes; this server only ever fronts the in-process log, so it
	// is always taken.
	storeMu sync.Mutex

	registry workerRegistry

	ready      chan struct{}
	listenAddr net.Addr
}

// New creates a Server fronting dev.
func New(cfg Config, dev *store.Device, log *zap.SugaredLogger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = dev.ReadChunk()
	}

	return &Server{cfg: cfg, dev: dev, log: log, ready: make(chan struct{})}
}

// Addr blocks until Run has bound its listener, then returns its address.
// It exists for tests that bind to an ephemeral port (":0") and need to
// learn which port the kernel assigned.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listenAddr
}

// listenConfig sets SO_REUSEADDR on the listening socket before bind, so a
// restart can rebind the port immediately instead of waiting out
// TIME_WAIT. net.Listen alone does not expose this POSIX socket option.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// Run listens and serves until ctx is canceled, then drains in-flight
// workers, stops the timestamp task, removes the backing file mirror (if
// configured), and returns.
func (s *Server) Run(ctx context.Context) error {
	listener, err := listenConfig().Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.listenAddr = listener.Addr()
	close(s.ready)
	s.log.Infow("listening", zap.String("addr", listener.Addr().String()))

	var backing *backingMirror
	if s.cfg.BackingFile != "" {
		backing, err = openBackingMirror(s.cfg.BackingFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to open backing file: %w", err)
		}
	}

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return s.acceptLoop(ctx, listener, backing)
	})

	if s.cfg.TimestampInterval > 0 {
		wg.Go(func() error {
			return s.runTimestampTask(ctx, backing)
		})
	}

	// Closing the listener once ctx is done unblocks a pending Accept
	// immediately with a closed-network-connection error, rather than
	// waiting for the next incoming connection to notice shutdown.
	wg.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	runErr := wg.Wait()
	if runErr != nil && errors.Is(runErr, net.ErrClosed) {
		runErr = nil
	}

	s.log.Info("shutting down, draining in-flight workers")
	if joinErrs := s.registry.drain(); len(joinErrs) > 0 {
		merr := &multierror.Error{Errors: joinErrs}
		s.log.Warnw("workers reported errors", zap.Error(merr))
	}

	if backing != nil {
		if err := backing.removeAndClose(); err != nil {
			s.log.Warnw("failed to remove backing file", zap.Error(err))
		}
	}

	return runErr
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, backing *backingMirror) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// A plain accept error (not shutdown-driven) is logged and
			// ends the accept loop; the server stops accepting new
			// connections rather than retrying indefinitely.
			s.log.Errorw("accept failed", zap.Error(err))
			return err
		}

		handle := s.registry.register()
		go func() {
			handle.finish(s.runWorker(ctx, conn, backing))
		}()
	}
}
