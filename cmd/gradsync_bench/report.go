// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// report prints the summary table of the benchmark.
func (r *benchResults) report() {
	fmt.Println(titleStyle.Render("gradsync benchmark"))
	numOps := int64(len(r.latencies))
	// Each push-pull moves the tensor up and back down.
	totalBytes := uint64(numOps) * 2 * uint64(r.shape.Memory())
	seconds := r.elapsed.Seconds()

	table := newPlainTable()
	table.Row("backend", backendDescription())
	table.Row("workers", humanize.Comma(int64(r.numWorkers)))
	table.Row("tensors per worker", humanize.Comma(int64(r.numTensors)))
	table.Row("tensor shape", r.shape.String())
	table.Row("push-pull operations", humanize.Comma(numOps))
	table.Row("bytes transferred", humanize.Bytes(totalBytes))
	table.Row("elapsed", r.elapsed.Round(time.Millisecond).String())
	if seconds > 0 {
		table.Row("operations/s", humanize.CommafWithDigits(float64(numOps)/seconds, 1))
		table.Row("throughput", humanize.Bytes(uint64(float64(totalBytes)/seconds))+"/s")
	}
	table.Row("latency p50", r.percentile(0.5).String())
	table.Row("latency p90", r.percentile(0.9).String())
	table.Row("latency p99", r.percentile(0.99).String())
	fmt.Println(table.Render())
}

// plotLatencies saves a histogram of the push-pull latencies, in milliseconds, to a PNG file.
func (r *benchResults) plotLatencies(path string) error {
	if len(r.latencies) == 0 {
		return errors.New("no latencies measured")
	}
	values := make(plotter.Values, len(r.latencies))
	for ii, latency := range r.latencies {
		values[ii] = float64(latency) / float64(time.Millisecond)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("push-pull latency (%d workers, %s)", r.numWorkers, r.shape)
	p.X.Label.Text = "latency (ms)"
	p.Y.Label.Text = "# operations"
	hist, err := plotter.NewHist(values, 50)
	if err != nil {
		return errors.Wrapf(err, "failed to build latency histogram")
	}
	p.Add(hist)
	if err := p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save latency plot to %q", path)
	}
	return nil
}
