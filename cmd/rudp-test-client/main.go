// Command rudp-test-client connects to host:4242 (default 127.0.0.1)
// and forwards stdin lines as reliable application messages. It exists
// to exercise a real Client end to end.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
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
		Use:   "rudp-test-client [host]",
		Short: "reference rudp client: forwards stdin lines to the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := "127.0.0.1"
			if len(args) == 1 {
				host = args[0]
			}
			return run(host, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(host string, verbose bool) error {
	log, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	loop := eventloop.New()
	base := rudp.NewBase(rudp.WithLogger(log))

	h := &printHandler{log: log, done: make(chan struct{})}
	client := rudp.NewClient(base, loop, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx, host, 4242, rudp.IPAny); err != nil {
		return err
	}
	log.Infow("connecting", "host", host, "port", 4242)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		loop.Run(gctx)
		return nil
	})
	group.Go(func() error {
		return readStdinLines(gctx, client)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down")
	case <-h.done:
	case <-gctx.Done():
	}
	cancel()
	loop.Break()
	_ = client.Close()
	return group.Wait()
}

func readStdinLines(ctx context.Context, client *rudp.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := scanner.Text()
		if !client.Connected() {
			continue
		}
		if err := client.Send(true, 0, []byte(line)); err != nil {
			return err
		}
		if line == "quit" {
			fmt.Println("quit received")
			return nil
		}
	}
	return scanner.Err()
}

type printHandler struct {
	log      *zap.SugaredLogger
	done     chan struct{}
	doneOnce sync.Once
}

func (h *printHandler) closeDone() { h.doneOnce.Do(func() { close(h.done) }) }

func (h *printHandler) HandlePacket(c *rudp.Client, appCmd byte, payload []byte) {
	h.log.Infow("received", "data", string(payload))
	if string(payload) == "quit" {
		fmt.Println("quit received")
		h.closeDone()
	}
}

func (h *printHandler) LinkInfo(c *rudp.Client, info rudp.LinkInfo) {
	h.log.Debugw("acked", "seq", info.Acked)
}

func (h *printHandler) Connected(c *rudp.Client) {
	h.log.Info("connected")
}

func (h *printHandler) ServerLost(c *rudp.Client) {
	h.log.Warn("server lost")
	h.closeDone()
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
