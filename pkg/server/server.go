// Package server accepts typed control commands on the daemon's local
// endpoint, serializes them against the scheduler, and returns structured
// replies.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nxadm/tail"

	"github.com/LGUG2Z/wpm/pkg/events"
	"github.com/LGUG2Z/wpm/pkg/ipc"
	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/metrics"
	"github.com/LGUG2Z/wpm/pkg/registry"
	"github.com/LGUG2Z/wpm/pkg/scheduler"
	"github.com/LGUG2Z/wpm/pkg/unit"
)

// recentTransitions bounds the per-unit transition history kept for status
// replies.
const recentTransitions = 10

// statusTailLines bounds the log tail included in a status reply.
const statusTailLines = 10

// StoreOps is the resource store surface the server needs for rebuilds.
type StoreOps interface {
	Evict(definition *unit.Definition) error
	ResolveExecutable(ctx context.Context, unitName string, executable unit.Executable) (string, error)
	ResolveResource(ctx context.Context, unitName string, key string, url string) (string, error)
}

// Config carries the server's collaborators.
type Config struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Store     StoreOps
	Broker    *events.Broker
	UnitsDir  string
	// DaemonLogPath is streamed when a log request names no unit
	DaemonLogPath string
	// Reload re-reads the unit directory
	Reload func() error
	// Shutdown triggers orderly daemon termination
	Shutdown func()
}

// Server is the control endpoint dispatcher.
type Server struct {
	cfg      Config
	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	recent map[string][]ipc.Transition
}

// New constructs the server and begins collecting transition history.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		recent: make(map[string][]ipc.Transition),
	}

	if cfg.Broker != nil {
		sub := cfg.Broker.Subscribe()
		go s.collect(sub)
	}

	return s
}

func (s *Server) collect(sub events.Subscriber) {
	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}

			s.mu.Lock()
			history := append(s.recent[event.Unit], ipc.Transition{
				State:     event.State,
				Timestamp: event.Timestamp,
				Error:     event.Err,
			})

			if len(history) > recentTransitions {
				history = history[len(history)-recentTransitions:]
			}

			s.recent[event.Unit] = history
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(listener net.Listener) {
	s.listener = listener
	logger := log.WithComponent("server")
	logger.Info().Str("endpoint", listener.Addr().String()).Msg("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}

			logger.Error().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var request ipc.Request
	if err := ipc.ReadFrame(conn, &request); err != nil {
		if !errors.Is(err, io.EOF) {
			log.WithComponent("server").Error().Err(err).Msg("dropping connection")
		}

		return
	}

	if request.ID == "" {
		request.ID = uuid.New().String()
	}

	logger := log.WithComponent("server").With().Str("request", request.ID).Str("type", string(request.Type)).Logger()
	logger.Info().Strs("units", request.Units).Msg("received control command")

	if request.Type == ipc.MessageLog {
		s.streamLog(conn, request)
		return
	}

	response := s.dispatch(request)

	status := "ok"
	if !response.OK {
		status = "error"
		logger.Warn().Str("error", response.Error).Msg("control command failed")
	}

	metrics.CommandsTotal.WithLabelValues(string(request.Type), status).Inc()

	if err := ipc.WriteFrame(conn, response); err != nil {
		logger.Error().Err(err).Msg("reply failed")
	}
}

func (s *Server) dispatch(request ipc.Request) ipc.Response {
	switch request.Type {
	case ipc.MessageStart:
		if err := s.cfg.Scheduler.Start(request.Units); err != nil {
			return ipc.Err(err)
		}

		return ipc.Ok()
	case ipc.MessageStop:
		if err := s.cfg.Scheduler.Stop(request.Units); err != nil {
			return ipc.Err(err)
		}

		return ipc.Ok()
	case ipc.MessageRestart:
		if err := s.cfg.Scheduler.Restart(request.Units); err != nil {
			return ipc.Err(err)
		}

		return ipc.Ok()
	case ipc.MessageReset:
		if err := s.cfg.Scheduler.Reset(request.Units); err != nil {
			return ipc.Err(err)
		}

		return ipc.Ok()
	case ipc.MessageReload:
		if err := s.cfg.Reload(); err != nil {
			return ipc.Err(err)
		}

		return ipc.Ok()
	case ipc.MessageState:
		return ipc.Response{OK: true, State: s.cfg.Registry.Snapshot()}
	case ipc.MessageStatus:
		return s.status(request.Unit)
	case ipc.MessageRebuild:
		return s.rebuild(request.Unit)
	case ipc.MessageExampleGen:
		if err := unit.WriteExamples(request.Dir); err != nil {
			return ipc.Err(err)
		}

		return ipc.Response{OK: true, Path: request.Dir}
	case ipc.MessageUnits:
		return ipc.Response{OK: true, Path: s.cfg.UnitsDir}
	case ipc.MessageShutdown:
		s.cfg.Shutdown()
		return ipc.Ok()
	default:
		return ipc.Err(fmt.Errorf("unknown message type %q", request.Type))
	}
}

func (s *Server) status(name string) ipc.Response {
	handle, err := s.cfg.Registry.Lookup(name)
	if err != nil {
		return ipc.Err(err)
	}

	record := handle.Snapshot()
	payload := &ipc.StatusPayload{
		Status: unit.Status{
			Name:      name,
			Kind:      handle.Def().Service.Kind,
			State:     record.State,
			Pid:       record.Pid,
			Timestamp: record.LastTransition,
			LastError: record.LastError,
			LogPath:   record.LogPath,
		},
	}

	if record.LogPath != "" {
		payload.LogTail = tailLines(record.LogPath, statusTailLines)
	}

	s.mu.Lock()
	payload.Recent = append(payload.Recent, s.recent[name]...)
	s.mu.Unlock()

	return ipc.Response{OK: true, Status: payload}
}

func (s *Server) rebuild(name string) ipc.Response {
	handle, err := s.cfg.Registry.Lookup(name)
	if err != nil {
		return ipc.Err(err)
	}

	definition := handle.Def()
	if err := s.cfg.Store.Evict(definition); err != nil {
		return ipc.Err(err)
	}

	ctx := context.Background()
	if _, err := s.cfg.Store.ResolveExecutable(ctx, name, definition.Service.ExecStart.Executable); err != nil {
		return ipc.Err(err)
	}

	for key, url := range definition.Resources {
		if _, err := s.cfg.Store.ResolveResource(ctx, name, key, url); err != nil {
			return ipc.Err(err)
		}
	}

	return ipc.Ok()
}

// streamLog follows a unit's capture file (or the daemon log when no unit
// is named) until the client disconnects.
func (s *Server) streamLog(conn net.Conn, request ipc.Request) {
	path := s.cfg.DaemonLogPath
	if request.Unit != "" {
		handle, err := s.cfg.Registry.Lookup(request.Unit)
		if err != nil {
			ipc.WriteFrame(conn, ipc.Err(err))
			return
		}

		record := handle.Snapshot()
		path = record.LogPath
		if path == "" {
			ipc.WriteFrame(conn, ipc.Err(fmt.Errorf("%s has no log file yet", request.Unit)))
			return
		}
	}

	follower, err := tail.TailFile(path, tail.Config{
		Follow: true,
		ReOpen: true,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		ipc.WriteFrame(conn, ipc.Err(err))
		return
	}
	defer follower.Stop()

	if err := ipc.WriteFrame(conn, ipc.Ok()); err != nil {
		return
	}

	for {
		select {
		case line, ok := <-follower.Lines:
			if !ok {
				return
			}

			if line.Err != nil {
				continue
			}

			if err := ipc.WriteFrame(conn, ipc.Response{OK: true, LogLine: line.Text}); err != nil {
				// client disconnected
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// tailLines returns the last n lines of a file, best effort.
func tailLines(path string, n int) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	if len(lines) == 1 && lines[0] == "" {
		return nil
	}

	return lines
}
