package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-netstack/netstackd/internal/config"
	"github.com/go-netstack/netstackd/internal/stack"
)

// ftpPort is the well-known FTP control port this placeholder registers
// against.
const ftpPort uint16 = 21

func ftpServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ftpserver",
		Short: "Open the FTP control port via the stack's registered-protocol hook and hand segments to a placeholder session callback",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runFTPServer(configPath)
		},
	}
}

// runFTPServer brings up the stack, opens the FTP control port through
// its tcp_open collaborator hook, and runs until signaled. The FTP
// protocol itself (login, transfer types, PASV data connections) is out
// of scope; every segment addressed to port 21 is handed to ftpSession, a
// placeholder that a real session layer would replace. Unlike ping,
// ftpserver has no outbound traffic of its own to originate, so the
// poll loop is run on the calling goroutine directly.
func runFTPServer(path string) error {
	logger := slog.Default()

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	drv, err := newDriver(cfg.Driver)
	if err != nil {
		return fmt.Errorf("open driver: %w", err)
	}
	defer drv.Close()

	s, err := stack.New(cfg, drv, nil)
	if err != nil {
		return fmt.Errorf("build stack: %w", err)
	}

	s.TCP.Open(ftpPort, ftpSession(logger))
	defer s.TCP.Close(ftpPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		drv.Close()
	}()

	logger.Info("ftpserver listening", slog.Int("port", int(ftpPort)))
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stack run: %w", err)
	}
	return nil
}

// ftpSession is a placeholder tcp_open handler: a real FTP implementation
// would hold session state (login, transfer-type, current directory,
// PASV data port) keyed by the client's (ip, port) here instead of just
// logging arrival.
func ftpSession(logger *slog.Logger) func(segment []byte, src []byte, srcPort uint16) {
	return func(segment []byte, src []byte, srcPort uint16) {
		logger.Info("ftp segment received",
			slog.Any("src", src),
			slog.Int("src_port", int(srcPort)),
			slog.Int("len", len(segment)),
		)
	}
}
