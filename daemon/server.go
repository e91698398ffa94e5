package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"drive-revenant/logging"
	"drive-revenant/model"
	"drive-revenant/scheduler"
)

// Server is the revenantd-side half of the IPC surface: it
// listens on a Unix socket, decodes one IPCRequest per connection (or,
// for CommandSubscribe, keeps the connection open and streams
// Snapshots), and translates each wire Command into a scheduler.Command
// enqueued on the wired Loop.
type Server struct {
	socketPath string
	loop       *scheduler.Loop
	logger     *slog.Logger

	listener net.Listener

	mu          sync.Mutex
	subscribers map[chan model.Snapshot]struct{}
}

// NewServer constructs a Server bound to socketPath (DefaultSocketPath
// if empty) fronting loop. Call Listen then Serve.
func NewServer(socketPath string, loop *scheduler.Loop, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	s := &Server{
		socketPath:  socketPath,
		loop:        loop,
		logger:      logging.Ensure(logger),
		subscribers: make(map[chan model.Snapshot]struct{}),
	}
	loop.Subscribe(model.ObserverFunc(s.broadcast))
	return s
}

// Listen opens the Unix socket, removing any stale socket file left
// behind by a previous, uncleanly terminated run.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("daemon: clear stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", s.socketPath, err)
	}
	s.listener = ln
	return nil
}

// Close closes the listener and removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	os.Remove(s.socketPath)
	return err
}

// Serve accepts connections until the listener is closed. Each
// connection is handled on its own goroutine; Listen must have
// succeeded first.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		writeResponse(conn, IPCResponse{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	if req.Command == CommandSubscribe {
		s.handleSubscribe(conn)
		return
	}

	resp := s.dispatch(req)
	writeResponse(conn, resp)
}

func (s *Server) dispatch(req IPCRequest) IPCResponse {
	switch req.Command {
	case CommandSetDriveConfig:
		var cfg model.DriveConfig
		if err := json.Unmarshal(req.Payload, &cfg); err != nil {
			return errorResponse(fmt.Errorf("decode drive config: %w", err))
		}
		return s.enqueueAndWait(scheduler.Command{Kind: scheduler.CmdSetDriveConfig, Config: cfg})
	case CommandPauseDrive:
		return s.enqueueAndWait(scheduler.Command{Kind: scheduler.CmdPauseDrive, Letter: req.Letter})
	case CommandResumeDrive:
		return s.enqueueAndWait(scheduler.Command{Kind: scheduler.CmdResumeDrive, Letter: req.Letter})
	case CommandReleaseQuarantine:
		return s.enqueueAndWait(scheduler.Command{Kind: scheduler.CmdReleaseQuarantine, Letter: req.Letter})
	case CommandPingNow:
		return s.enqueueAndWait(scheduler.Command{Kind: scheduler.CmdPingNow, Letter: req.Letter})
	case CommandCurrentSnapshot:
		snap, ok := s.loop.Latest()
		if !ok {
			return errorResponse(fmt.Errorf("no snapshot published yet"))
		}
		return IPCResponse{OK: true, Data: snap}
	default:
		return errorResponse(fmt.Errorf("unknown command %q", req.Command))
	}
}

// enqueueAndWait submits cmd to the Loop's command channel and waits
// for it to be applied, mirroring the synchronous request/response
// contract revenantctl expects for mutating commands.
func (s *Server) enqueueAndWait(cmd scheduler.Command) IPCResponse {
	reply := make(chan error, 1)
	cmd.Reply = reply
	if err := s.loop.Enqueue(cmd); err != nil {
		return errorResponse(err)
	}
	if err := <-reply; err != nil {
		return errorResponse(err)
	}
	return IPCResponse{OK: true}
}

// handleSubscribe keeps the connection open and pushes every Snapshot
// the Loop publishes until the client disconnects.
func (s *Server) handleSubscribe(conn net.Conn) {
	ch := make(chan model.Snapshot, 8)
	s.addSubscriber(ch)
	defer s.removeSubscriber(ch)

	if snap, ok := s.loop.Latest(); ok {
		if err := writeResponse(conn, IPCResponse{OK: true, Data: snap}); err != nil {
			return
		}
	}

	for snap := range ch {
		if err := writeResponse(conn, IPCResponse{OK: true, Data: snap}); err != nil {
			return
		}
	}
}

func (s *Server) addSubscriber(ch chan model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[ch] = struct{}{}
}

func (s *Server) removeSubscriber(ch chan model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

// broadcast fans a freshly published Snapshot out to every active
// subscriber, skipping (rather than blocking on) a subscriber whose
// buffer is already full — a slow revenantctl watch client never
// stalls the scheduler task.
func (s *Server) broadcast(snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			s.logger.Warn("daemon: dropped snapshot for slow subscriber")
		}
	}
}

func writeResponse(conn net.Conn, resp IPCResponse) error {
	return json.NewEncoder(conn).Encode(resp)
}

func errorResponse(err error) IPCResponse {
	return IPCResponse{OK: false, Error: err.Error()}
}
