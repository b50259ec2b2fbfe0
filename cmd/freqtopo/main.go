// Command freqtopo runs a frequency-constrained topology optimization with
// adaptive refinement.
//
//	freqtopo -config run.yaml
//	freqtopo -defaults > run.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/notargets/freqtopo/config"
	"github.com/notargets/freqtopo/driver"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/metrics"
)

var (
	configPath = flag.String("config", "", "YAML run configuration; built-in defaults when empty")
	logLevel   = flag.String("log-level", "", "override log.level (debug, info, warn, error)")
	logFormat  = flag.String("log-format", "", "override log.format (text, json)")
	runID      = flag.String("run-id", "", "run identifier; a UUID when empty")
	defaults   = flag.Bool("defaults", false, "print the default configuration and exit")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "freqtopo:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	return cfg, cfg.Validate()
}

func newLogger(c config.Log) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if c.Format == "json" {
		return logging.NewJSONLogger(os.Stderr, level), nil
	}
	return logging.NewTextLogger(os.Stderr, level), nil
}

// serveMetrics exposes reg on addr until ctx ends.
func serveMetrics(ctx context.Context, log *logging.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
}

func run() error {
	if *defaults {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(config.Default())
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []driver.Option{driver.WithLogger(log), driver.WithRunID(*runID)}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		obs, err := metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
		if err != nil {
			return err
		}
		serveMetrics(ctx, log, cfg.Metrics.Addr, reg)
		opts = append(opts, driver.WithObserver(obs))
	}

	report, err := driver.Run(ctx, cfg, opts...)
	if report != nil {
		printReport(report)
	}
	return err
}

func printReport(r *driver.Report) {
	fmt.Printf("run %s\n", r.RunID)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "step\telements\tdesign vars\tobj\tinfeas\tdiscreteness\titers\tevals\t")
	for _, s := range r.Steps {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.6e\t%.3e\t%.4f\t%d\t%d\t\n",
			s.Step, s.NumElements, s.NumDesignVars, s.Obj, s.Infeas, s.DiscretenessRho, s.Iterations, s.NumEvals)
	}
	tw.Flush()
	if r.Failure != "" {
		fmt.Printf("failed step design stored as %s\n", r.Failure)
	}
}
