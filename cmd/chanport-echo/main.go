// chanport-echo is a demonstration echo server built on the channel
// engine: one event loop, a listener channel, and non-blocking child
// channels driven by readiness callbacks.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	getopt "github.com/pborman/getopt/v2"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/chanport/internal/engine"
	"github.com/orizon-lang/chanport/internal/evloop"
	"github.com/orizon-lang/chanport/internal/tcpchan"
	"github.com/orizon-lang/chanport/internal/trace"
)

func main() {
	optListen := getopt.StringLong("listen", 'l', "127.0.0.1:7777", "Listen address")
	optTrace := getopt.StringLong("trace", 't', "", "Trace configuration file")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	if *optTrace != "" {
		stop, err := trace.Watch(*optTrace)
		if err != nil {
			slog.Error("cannot load trace configuration", "path", *optTrace, "err", err)
			os.Exit(1)
		}
		defer stop()
	}
	log := trace.Logger("echo")

	eng, err := engine.New(trace.Logger("engine"))
	if err != nil {
		log.Error("engine start failed", "err", err)
		os.Exit(1)
	}

	loop := evloop.New()
	td := eng.ThreadData(loop)

	ln, err := tcpchan.Listen(eng, *optListen, func(child *tcpchan.Conn) {
		serve(log, td, child)
	})
	if err != nil {
		log.Error("listen failed", "addr", *optListen, "err", err)
		os.Exit(1)
	}
	if err := ln.Channel().Attach(td); err != nil {
		log.Error("listener attach failed", "err", err)
		os.Exit(1)
	}
	log.Info("echo server listening", "addr", ln.Addr().String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Run(ctx)
		return ctx.Err()
	})
	g.Go(func() error {
		<-ctx.Done()
		loop.Stop()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", "err", err)
	}

	_ = ln.Channel().Close()
	eng.DetachThread(loop)
	if err := eng.Shutdown(2 * time.Second); err != nil {
		log.Warn("engine shutdown", "err", err)
	}
	log.Info("echo server stopped")
}

// serve wires one accepted child into the loop: non-blocking, watched
// for input, echoing every read back out.
func serve(log *slog.Logger, td *engine.ThreadData, child *tcpchan.Conn) {
	ch := child.Channel()
	ch.SetBlocking(false)
	if err := ch.Attach(td); err != nil {
		_ = ch.Close()
		return
	}
	buf := make([]byte, 32*1024)
	ch.SetNotify(func(mask engine.Readiness) {
		if mask&engine.Readable == 0 {
			return
		}
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				if _, werr := ch.Write(buf[:n]); werr != nil && !errors.Is(werr, engine.ErrWouldBlock) {
					log.Debug("echo write failed", "err", werr)
					_ = ch.Close()
					return
				}
			}
			switch {
			case err == nil && n > 0:
				continue
			case errors.Is(err, engine.ErrWouldBlock):
				return
			case errors.Is(err, io.EOF), err != nil:
				_ = ch.Close()
				return
			default:
				return
			}
		}
	})
	ch.Watch(engine.Readable)
}
