// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gradsync_server runs the aggregation tier for the "remote" backend: it sums the tensors pushed by
// -workers workers for each (key, version) round, and serves the sums to pulls.
//
// Workers select it with GRADSYNC_BACKEND=remote:http://<host>:<port>.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomlx/gradsync/backends/local"
	"github.com/gomlx/gradsync/backends/remote"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagListen  = flag.String("listen", ":8470", "Address to listen to.")
	flagWorkers = flag.Int("workers", 1, "Number of workers in the synchronization group: "+
		"a round is complete when it received this many pushes.")
	flagRetainVersions = flag.Int("retain_versions", local.DefaultRetainRounds,
		"Number of completed (key, version) rounds kept available for pulling.")
	flagMaxRequest = flag.Int64("max_request_bytes", remote.DefaultMaxRequestBytes,
		"Maximum size of a request body: it bounds the size of the tensors that can be pushed.")
	flagMetrics = flag.Bool("metrics", true, "Serve prometheus metrics under /metrics.")
	flagGrace   = flag.Duration("shutdown_grace", 5*time.Second,
		"Time given to in-flight requests to finish when shutting down.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagWorkers <= 0 {
		klog.Fatalf("-workers must be > 0, got %d", *flagWorkers)
	}

	store := local.NewStore(*flagWorkers, *flagRetainVersions)
	server := must.M1(remote.NewServer(store, remote.ServerOptions{MaxRequestBytes: *flagMaxRequest}))
	mux := http.NewServeMux()
	mux.Handle("/v1/", server.Handler())
	if *flagMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	httpServer := &http.Server{Addr: *flagListen, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		klog.Infof("gradsync_server listening on %s for %d workers", *flagListen, *flagWorkers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "serving on %s", *flagListen)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		klog.Infof("gradsync_server shutting down")
		// Closing the store releases long-polling pulls, so Shutdown doesn't wait for them.
		server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *flagGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		klog.Fatalf("gradsync_server failed: %+v", err)
	}
}
