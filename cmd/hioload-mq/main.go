// File: cmd/hioload-mq/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// hioload-mq runs a message-queue node. In bind mode it serves peers and
// echoes or broadcasts; in connect mode it sends stdin lines to one peer
// and prints what comes back. SIGHUP re-reads the runtime-tunable keys of
// the configuration file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/internal/invariant"
	"github.com/momentics/hioload-mq/internal/logging"
	"github.com/momentics/hioload-mq/mq"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "hioload-mq:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts := NewOptions()
	fs := pflag.NewFlagSet("hioload-mq", pflag.ContinueOnError)
	opts.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := opts.Complete()
	if err != nil {
		return err
	}

	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	invariant.SetLogger(log)
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		log.Debug().Msgf(format, a...)
	}))
	if err != nil {
		log.Warn().Err(err).Msg("GOMAXPROCS not adjusted")
	}
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := control.NewMetrics(cfg.Metrics.Namespace)
	nodeOpts := []mq.Option{
		mq.WithLogger(logging.Component(log, "mq")),
		mq.WithMetrics(metrics),
	}
	var node *mq.Node
	if opts.Mode == "connect" {
		node, err = mq.Connect(ctx, cfg, nodeOpts...)
	} else {
		node, err = mq.Bind(ctx, cfg, nodeOpts...)
	}
	if err != nil {
		return err
	}
	node.Control().OnReload(func() {
		level, _ := node.Control().GetConfig()["log.level"].(string)
		if lvl, err := zerolog.ParseLevel(level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics, metrics)
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error { return reloadOnHangup(gctx, opts.ConfigFile, node, log) })

	if opts.Mode == "connect" {
		// The reader stays out of the group: a read blocked on the
		// terminal must not hold up exit.
		lines := readLines(gctx, os.Stdin)
		g.Go(func() error { return sendLines(gctx, node, lines) })
		g.Go(func() error { return printReceived(gctx, node) })
	} else {
		g.Go(func() error { return serve(gctx, node, opts.Echo, log) })
		if opts.Broadcast > 0 {
			g.Go(func() error { return broadcast(gctx, node, opts.Broadcast) })
		}
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-node.Done():
		}
		cctx, ccancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration+time.Second)
		defer ccancel()
		err := node.Close(cctx)
		cancel()
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Interface("stats", node.Stats()).Msg("exit")
	return err
}

func metricsServer(cfg control.MetricsConfig, metrics *control.Metrics) *http.Server {
	reg := metrics.Registry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// serve echoes or logs every inbound message until the node closes. A peer
// that finished sending is answered with a shutdown after its echoes.
func serve(ctx context.Context, node *mq.Node, echo bool, log zerolog.Logger) error {
	for {
		msg, err := node.RecvWait(ctx)
		if err != nil {
			return ignoreClosed(err)
		}
		if msg.Type == api.MsgShutdown {
			log.Debug().Stringer("node", msg.Node).Msg("peer finished")
			if err := sendWithRetry(ctx, node, mq.Message{Type: api.MsgShutdown, Node: msg.Node}); err != nil {
				return ignoreClosed(err)
			}
			continue
		}
		if !echo {
			log.Info().Stringer("node", msg.Node).Int("bytes", len(msg.Data)).Msg("message")
			continue
		}
		if err := node.SendTo(msg.Node, msg.Data); err != nil && !api.IsCapacity(err) {
			return ignoreClosed(err)
		}
	}
}

func broadcast(ctx context.Context, node *mq.Node, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if err := node.Send([]byte(now.UTC().Format(time.RFC3339Nano))); err != nil && !api.IsCapacity(err) {
				return ignoreClosed(err)
			}
		}
	}
}

// readLines scans r in the background. The channel closes at EOF, on a scan
// error or once ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- append([]byte(nil), sc.Bytes()...):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// sendLines forwards each line as a data message and shuts the connection
// down once the input ends.
func sendLines(ctx context.Context, node sender, lines <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return ignoreClosed(sendWithRetry(ctx, node, mq.Message{Type: api.MsgShutdown}))
			}
			if err := sendWithRetry(ctx, node, mq.Message{Type: api.MsgData, Data: line}); err != nil {
				return ignoreClosed(err)
			}
		}
	}
}

type sender interface {
	SendMsg(msg mq.Message) error
}

const maxSendBackoff = 100 * time.Millisecond

// sendWithRetry backs off while the send queue is full.
func sendWithRetry(ctx context.Context, node sender, msg mq.Message) error {
	var backoff time.Duration
	for {
		err := node.SendMsg(msg)
		if !api.IsCapacity(err) {
			return err
		}
		if backoff == 0 {
			backoff = time.Millisecond
		} else {
			backoff *= 2
		}
		if backoff > maxSendBackoff {
			backoff = maxSendBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// printReceived prints data messages and answers the peer's shutdown.
func printReceived(ctx context.Context, node *mq.Node) error {
	for {
		msg, err := node.RecvWait(ctx)
		if err != nil {
			return ignoreClosed(err)
		}
		if msg.Type == api.MsgShutdown {
			if err := sendWithRetry(ctx, node, mq.Message{Type: api.MsgShutdown}); err != nil {
				return ignoreClosed(err)
			}
			continue
		}
		fmt.Println(string(msg.Data))
	}
}

func reloadOnHangup(ctx context.Context, path string, node *mq.Node, log zerolog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}
		if path == "" {
			log.Warn().Msg("SIGHUP ignored: no configuration file")
			continue
		}
		cfg, err := control.LoadConfig(path)
		if err != nil {
			log.Error().Err(err).Msg("reload failed")
			continue
		}
		if err := node.Control().SetConfig(reloadable(cfg)); err != nil {
			log.Error().Err(err).Msg("reload rejected")
			continue
		}
		log.Info().Str("file", path).Msg("configuration reloaded")
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, api.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
