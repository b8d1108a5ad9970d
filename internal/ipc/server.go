package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"storesync/internal/logging"
	"storesync/internal/notifications"
	"storesync/internal/supervisor"
)

// Server exposes supervisor control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, sup *supervisor.Supervisor, logPath string, logger *slog.Logger) (*Server, error) {
	if sup == nil {
		return nil, errors.New("ipc server requires supervisor")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{sup: sup, logger: logger, logPath: logPath, ctx: serverCtx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
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
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"),
				)
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually or rerun storesync stop"),
		)
	}
}

type service struct {
	sup     *supervisor.Supervisor
	logger  *slog.Logger
	logPath string
	ctx     context.Context
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	if s.sup.Running() {
		resp.Started = true
		resp.Message = "supervisor already running"
		return nil
	}
	if err := s.sup.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "supervisor started"
	s.logger.Info("supervisor started via IPC", logging.String(logging.FieldEventType, "ipc_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.sup.Stop()
	resp.Stopped = true
	s.logger.Info("supervisor stopped via IPC", logging.String(logging.FieldEventType, "ipc_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.sup.Status(s.ctx)
	resp.LogPath = s.logPath
	return nil
}

func (s *service) Restart(req RestartRequest, resp *RestartResponse) error {
	if req.Account == "" {
		if err := s.sup.RestartAll(); err != nil {
			return err
		}
		resp.Restarted = s.sup.Accounts()
	} else {
		if err := s.sup.Restart(req.Account); err != nil {
			return err
		}
		resp.Restarted = []string{req.Account}
	}
	s.logger.Info("workers restarted via IPC",
		logging.String(logging.FieldEventType, "ipc_restart"),
		logging.Int("count", len(resp.Restarted)),
	)
	return nil
}

func (s *service) Reconcile(_ ReconcileRequest, resp *ReconcileResponse) error {
	summary, err := s.sup.Reconciler().Sweep(s.ctx)
	resp.Summary = summary
	return err
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	notifier := s.sup.Notifier()
	if _, ok := notifier.(notifications.NoopService); ok {
		resp.Message = "notifications disabled (set notifications.ntfy_topic)"
		return nil
	}
	if err := notifier.Publish(s.ctx, notifications.EventTest, notifications.Payload{"source": "ipc"}); err != nil {
		resp.Message = err.Error()
		return nil
	}
	resp.Sent = true
	resp.Message = "test notification sent"
	return nil
}
