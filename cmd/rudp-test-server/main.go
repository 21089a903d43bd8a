// Command rudp-test-server binds 0.0.0.0:4242 and echoes every typed
// line to all connected peers. It exists to exercise a real Server end
// to end.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nullroute-dev/rudp"
	"github.com/nullroute-dev/rudp/eventloop"
)

func main() {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "rudp-test-server",
		Short: "reference rudp server: echoes stdin lines to all peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(verbose bool) error {
	log, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	loop := eventloop.New()
	base := rudp.NewBase(rudp.WithLogger(log))

	h := &echoHandler{log: log}
	srv := rudp.NewServer(base, loop, h)
	h.srv = srv

	if err := srv.Bind(rudp.NewAddress(&net.UDPAddr{IP: net.IPv4zero, Port: 4242})); err != nil {
		return err
	}
	log.Infow("listening", "addr", "0.0.0.0:4242")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		loop.Run(gctx)
		return nil
	})
	group.Go(func() error {
		return readStdinLines(gctx, srv)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down")
	case <-gctx.Done():
	}
	cancel()
	loop.Break()
	_ = srv.Close()
	return group.Wait()
}

func readStdinLines(ctx context.Context, srv *rudp.Server) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := scanner.Text()
		srv.SendAll(true, 0, []byte(line))
		if line == "quit" {
			fmt.Println("quit received")
			return nil
		}
	}
	return scanner.Err()
}

type echoHandler struct {
	log *zap.SugaredLogger
	srv *rudp.Server
}

func (h *echoHandler) HandlePacket(srv *rudp.Server, peer *rudp.Peer, appCmd byte, payload []byte) {
	h.log.Infow("received", "peer", peer.RemoteAddr().String(), "data", string(payload))
}

func (h *echoHandler) LinkInfo(srv *rudp.Server, peer *rudp.Peer, info rudp.LinkInfo) {
	h.log.Debugw("acked", "peer", peer.RemoteAddr().String(), "seq", info.Acked)
}

func (h *echoHandler) PeerDropped(srv *rudp.Server, peer *rudp.Peer) {
	h.log.Infow("peer dropped", "peer", peer.RemoteAddr().String())
}

func (h *echoHandler) PeerNew(srv *rudp.Server, peer *rudp.Peer) {
	h.log.Infow("peer connected", "peer", peer.RemoteAddr().String())
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
