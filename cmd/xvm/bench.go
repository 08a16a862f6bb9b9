package main

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/exec"
	"github.com/wippyai/wasm-xvm/metrics"
)

func (a *app) benchCommand() *cobra.Command {
	var calls, workers int
	cmd := &cobra.Command{
		Use:     "bench <artifact|in.wasm|in.wat> <func> [args...]",
		Short:   "Call a function repeatedly from concurrent contexts.",
		Example: "xvm bench counter.xvm add 2 3 -n 100000 -c 8",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if calls <= 0 || workers <= 0 {
				return errors.InvalidInput(errors.PhaseConfig, "-n and -c must be positive")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			reg := prometheus.NewRegistry()
			if err := metrics.Register(reg); err != nil {
				return err
			}
			before, err := gatherStats(reg)
			if err != nil {
				return err
			}

			code, closeCode, err := a.openCode(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeCode()

			name := args[1]
			ft, ok := code.Export(name)
			if !ok {
				return errors.UnknownExport(name)
			}
			params, err := parseArgs(ft, args[2:])
			if err != nil {
				return err
			}

			start := time.Now()
			var failed atomic.Int64
			g, gctx := errgroup.WithContext(ctx)
			for w := 0; w < workers; w++ {
				n := calls / workers
				if w < calls%workers {
					n++
				}
				g.Go(func() error {
					return a.benchWorker(gctx, code, name, params, n, &failed)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			after, err := gatherStats(reg)
			if err != nil {
				return err
			}
			printBench(cmd, after.sub(before), elapsed, failed.Load())
			return nil
		},
	}
	cmd.Flags().IntVarP(&calls, "calls", "n", 1000, "total number of calls")
	cmd.Flags().IntVarP(&workers, "concurrency", "c", 1, "number of concurrent contexts")
	return cmd
}

// benchWorker runs n calls on one context, replacing it after a trap.
func (a *app) benchWorker(ctx context.Context, code *exec.Code, name string, params []int64, n int, failed *atomic.Int64) error {
	cfg := &exec.ContextConfig{GasLimit: a.cfg.Gas}
	var xc *exec.Context
	defer func() {
		if xc != nil {
			xc.Release(ctx)
		}
	}()
	for i := 0; i < n; i++ {
		if xc == nil {
			var err error
			if xc, err = code.NewContext(ctx, cfg); err != nil {
				return err
			}
		}
		xc.ResetGasUsed()
		if _, err := xc.Call(ctx, name, params...); err != nil {
			failed.Add(1)
			if xc.State() == exec.StateTrapped {
				xc.Release(ctx)
				xc = nil
			}
		}
	}
	return nil
}

type benchStats struct {
	calls  map[string]float64
	traps  map[string]float64
	gasSum float64
	gasObs uint64
}

func gatherStats(reg prometheus.Gatherer) (benchStats, error) {
	mfs, err := reg.Gather()
	if err != nil {
		return benchStats{}, err
	}
	s := benchStats{calls: map[string]float64{}, traps: map[string]float64{}}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch mf.GetName() {
			case "xvm_calls_total":
				s.calls[label(m, "result")] = m.GetCounter().GetValue()
			case "xvm_traps_total":
				s.traps[label(m, "reason")] = m.GetCounter().GetValue()
			case "xvm_gas_used":
				s.gasSum = m.GetHistogram().GetSampleSum()
				s.gasObs = m.GetHistogram().GetSampleCount()
			}
		}
	}
	return s, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func (s benchStats) sub(o benchStats) benchStats {
	d := benchStats{
		calls:  map[string]float64{},
		traps:  map[string]float64{},
		gasSum: s.gasSum - o.gasSum,
		gasObs: s.gasObs - o.gasObs,
	}
	for k, v := range s.calls {
		d.calls[k] = v - o.calls[k]
	}
	for k, v := range s.traps {
		d.traps[k] = v - o.traps[k]
	}
	return d
}

func printBench(cmd *cobra.Command, s benchStats, elapsed time.Duration, failed int64) {
	out := cmd.OutOrStdout()
	p := newPainter(out)

	total := s.calls[metrics.ResultOK] + s.calls[metrics.ResultTrap] + s.calls[metrics.ResultError]
	fmt.Fprintf(out, "%s\n", p.render(titleStyle, "bench"))
	fmt.Fprintf(out, "calls:    %.0f (ok %.0f, trap %.0f, error %.0f)\n",
		total, s.calls[metrics.ResultOK], s.calls[metrics.ResultTrap], s.calls[metrics.ResultError])
	fmt.Fprintf(out, "failed:   %d\n", failed)
	fmt.Fprintf(out, "elapsed:  %s\n", elapsed.Round(time.Microsecond))
	if elapsed > 0 {
		fmt.Fprintf(out, "rate:     %.0f calls/s\n", total/elapsed.Seconds())
	}
	if s.gasObs > 0 {
		fmt.Fprintf(out, "gas/call: %.1f\n", s.gasSum/float64(s.gasObs))
	}
	reasons := make([]string, 0, len(s.traps))
	for reason, n := range s.traps {
		if n > 0 {
			reasons = append(reasons, reason)
		}
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(out, "trap %s: %.0f\n", p.render(errorStyle, reason), s.traps[reason])
	}
}
