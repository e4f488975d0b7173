// Command reflex-worker-inspect polls a running worker service's Prometheus
// /metrics endpoint and prints the three worker histograms (compile,
// evaluate, gc duration) either once or on a fixed interval.
//
// The target Go service is expected to expose GET /metrics via
// promhttp.Handler.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"`.
//
// © 2025 reflex-wasm-worker authors. MIT License.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

var version = "dev"

type options struct {
	target   string
	interval time.Duration
	watch    bool
	version  bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://localhost:6060", "base URL of the worker service")
	flag.DurationVar(&opts.interval, "interval", 5*time.Second, "poll interval in watch mode")
	flag.BoolVar(&opts.watch, "watch", false, "poll repeatedly instead of once")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options) error {
	metrics, err := fetchMetrics(ctx, opts.target)
	if err != nil {
		return err
	}
	prettyPrint(metrics)
	return nil
}

// fetchMetrics pulls /metrics and extracts the histogram sample sum/count
// lines for the worker's three named histograms. A hand-rolled line scan is
// enough here: we only need a handful of well-known metric families, not a
// general Prometheus exposition-format parser.
func fetchMetrics(ctx context.Context, base string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}

	out := make(map[string]float64)
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := fields[0]
		if !strings.Contains(name, "reflex_worker_") {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(fields[1], "%g", &v); err == nil {
			out[name] = v
		}
	}
	return out, scanner.Err()
}

func prettyPrint(metrics map[string]float64) {
	fmt.Printf("Compile:  count=%.0f sum=%.4fs\n",
		metrics["reflex_worker_compile_duration_seconds_count"],
		metrics["reflex_worker_compile_duration_seconds_sum"])
	fmt.Printf("Evaluate: count=%.0f sum=%.4fs\n",
		metrics["reflex_worker_evaluate_duration_seconds_count"],
		metrics["reflex_worker_evaluate_duration_seconds_sum"])
	fmt.Printf("Gc:       count=%.0f sum=%.4fs\n",
		metrics["reflex_worker_gc_duration_seconds_count"],
		metrics["reflex_worker_gc_duration_seconds_sum"])
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "reflex-worker-inspect:", err)
	os.Exit(1)
}
