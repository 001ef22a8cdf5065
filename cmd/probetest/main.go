// probetest runs one network quality measurement and prints the result
// with the reconnection strategy it maps to. Useful when qualifying a new
// site or debugging a misbehaving uplink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/medbridge/edgelink/internal/netquality"
)

func main() {
	probeURL := flag.String("probe-url", "https://www.google.com/generate_204", "minimal-response URL for latency probes")
	throughputURL := flag.String("throughput-url", "", "small-payload URL for throughput timing (defaults to probe URL)")
	count := flag.Int("count", 5, "number of latency probes")
	timeout := flag.Duration("timeout", 2*time.Second, "per-probe timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	prober := netquality.NewHTTPProber(*probeURL, *throughputURL,
		netquality.WithProbeTimeout(*timeout),
		netquality.WithProbeLogger(logger),
	)
	estimator := netquality.NewEstimator(netquality.EstimatorConfig{
		ProbeCount:   *count,
		ProbeTimeout: *timeout,
	}, prober, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*count+2)*(*timeout))
	defer cancel()

	logger.Info("measuring", "probe_url", *probeURL, "count", *count)
	m := estimator.Measure(ctx)

	out := struct {
		Measurement netquality.Measurement `json:"measurement"`
		Strategy    netquality.Strategy    `json:"strategy"`
	}{
		Measurement: m,
		Strategy:    netquality.StrategyFor(m.Tier),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, "encode result:", err)
		os.Exit(1)
	}
}
