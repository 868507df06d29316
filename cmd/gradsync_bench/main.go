// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gradsync_bench simulates a synchronization group of -workers workers in one process: at each step
// every worker push-pulls -tensors tensors, and the aggregated values are verified.
//
// With -backend=local the workers share an in-process aggregation store. With
// -backend=remote:http://<host>:<port> they talk to a gradsync_server started with the same -workers.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync"
	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/backends/local"
	_ "github.com/gomlx/gradsync/backends/remote"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/gradsync/lifecycle"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagWorkers = flag.Int("workers", 4, "Number of simulated workers.")
	flagSteps   = flag.Int("steps", 100, "Number of steps: each step uses a new version.")
	flagTensors = flag.Int("tensors", 8, "Number of tensors (keys) push-pulled by each worker at each step.")
	flagSize    = flag.Int("size", 1<<16, "Number of elements of each tensor.")
	flagDType   = flag.String("dtype", "Float32", "DType of the tensors.")
	flagBackend = flag.String("backend", local.BackendName,
		`Backend: "local" for an in-process aggregation store, or "remote:<server URL>".`)
	flagPlot = flag.String("plot", "", "If set, saves a histogram of the operation latencies to this PNG file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	dtype := must.M1(dtypes.DTypeString(*flagDType))
	if !tensors.IsSupported(dtype) {
		klog.Fatalf("dtype %s can't be pushed or pulled", dtype)
	}
	shape := shapes.Make(dtype, *flagSize)

	sessions := make([]*gradsync.Session, *flagWorkers)
	var store *local.Store
	if *flagBackend == local.BackendName {
		store = local.NewStore(*flagWorkers, 4*(*flagTensors))
		defer store.Close()
	}
	for rank := range sessions {
		cfg := gradsync.Config{
			Lifecycle: lifecycle.Config{Rank: rank, Size: *flagWorkers},
			Backend:   *flagBackend,
		}
		if store != nil {
			cfg.NewBackend = func() (backends.Backend, error) {
				return local.NewWithStore(store, local.Options{}), nil
			}
		}
		sessions[rank] = gradsync.NewSession()
		must.M(sessions[rank].Init(cfg))
	}
	defer func() {
		for _, s := range sessions {
			s.Shutdown()
		}
	}()

	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription("push-pull"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	results := &benchResults{shape: shape, numWorkers: *flagWorkers, numTensors: *flagTensors}
	start := time.Now()
	for step := range *flagSteps {
		if err := runStep(sessions, shape, int64(step), results); err != nil {
			_ = bar.Exit()
			klog.Fatalf("step %d failed: %+v", step, err)
		}
		_ = bar.Add(1)
	}
	results.elapsed = time.Since(start)
	_ = bar.Finish()
	fmt.Println()

	results.report()
	if *flagPlot != "" {
		must.M(results.plotLatencies(*flagPlot))
		fmt.Printf("Latency histogram saved to %q\n", *flagPlot)
	}
}

// runStep push-pulls all tensors of all workers, for the given version.
func runStep(sessions []*gradsync.Session, shape shapes.Shape, version int64, results *benchResults) error {
	ones := tensors.OnesFlat(shape.DType, shape.Size())
	want := tensors.CloneFlat(ones)
	for range len(sessions) - 1 {
		tensors.AccumulateFlat(want, ones)
	}

	var g errgroup.Group
	for rank, s := range sessions {
		g.Go(func() error {
			handles := make([]*gradsync.Handle, *flagTensors)
			values := make([]*tensors.Tensor, *flagTensors)
			for ii := range handles {
				values[ii] = tensors.FromShape(shape)
				values[ii].MutableFlatData(func(flat any) { tensors.CopyFlat(flat, ones) })
				var err error
				handles[ii], err = s.PushPull(values[ii],
					gradsync.WithName(fmt.Sprintf("bench.tensor.%d", ii)),
					gradsync.WithVersion(version),
					gradsync.WithPriority(int32(*flagTensors-ii)))
				if err != nil {
					return errors.WithMessagef(err, "worker %d", rank)
				}
			}
			for ii, h := range handles {
				if err := h.Wait(); err != nil {
					return errors.WithMessagef(err, "worker %d, tensor %d", rank, ii)
				}
				results.addLatency(time.Since(h.Op().Submitted))
				var ok bool
				values[ii].ConstFlatData(func(flat any) {
					ok = bytes.Equal(tensors.FlatBytes(flat), tensors.FlatBytes(want))
				})
				values[ii].FinalizeAll()
				if !ok {
					return errors.Errorf("worker %d, tensor %d: wrong aggregated value at version %d", rank, ii, version)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// benchResults collects the measurements of the benchmark.
type benchResults struct {
	shape                  shapes.Shape
	numWorkers, numTensors int
	elapsed                time.Duration

	mu        sync.Mutex
	latencies []time.Duration
}

func (r *benchResults) addLatency(latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, latency)
}

// percentile returns the latency at the given fraction (0 to 1) of the sorted latencies.
func (r *benchResults) percentile(fraction float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(fraction * float64(len(sorted)-1))
	return sorted[idx]
}

func backendDescription() string {
	name, _, _ := strings.Cut(*flagBackend, ":")
	return name
}
