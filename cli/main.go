// Package provides the cli util ecssync.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gosuri/uilive"
	"github.com/larrabee/ecssync/engine"
	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var cli argsParsed
var log = logrus.New()
var live *uilive.Writer

type syncStatus int

const (
	syncStatusUnknown syncStatus = iota - 1
	syncStatusOk
	syncStatusFailed
	syncStatusAborted
	syncStatusConfError
)

// setup program runtime: parse cli args and set logger
func setup() {
	var err error
	cli, err = GetCliArgs()
	if err != nil {
		log.Fatalf("cli args parsing failed with error: %s", err)
	}
	if cli.ShowProgress {
		live = uilive.New()
		live.Start()
		log.SetOutput(live.Bypass())
		log.SetFormatter(&logrus.TextFormatter{ForceColors: true})
	}
	if cli.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	pipeline.Log = log
	storage.Log = log
}

func main() {
	setup()
	status := run()
	if live != nil {
		live.Stop()
	}
	log.Exit(int(status))
}

func run() syncStatus {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source, target, err := setupStorages(&cli)
	if err != nil {
		log.Errorf("Failed to setup storage, error: %s", err)
		return syncStatusConfError
	}
	filters, err := setupFilters(&cli, target)
	if err != nil {
		log.Errorf("Pipeline configuration error: %s", err)
		return syncStatusConfError
	}
	tracker, err := setupTracking(&cli)
	if err != nil {
		log.Errorf("Failed to open tracking DB: %s", err)
		return syncStatusConfError
	}
	defer tracker.Close()

	jobCfg := engine.Config{
		Source:   source,
		Target:   target,
		Filters:  filters,
		Options:  cli.Options,
		Tracking: tracker,
	}
	if cli.SourceList == "-" {
		jobCfg.ListInput = os.Stdin
	}
	job, err := engine.NewJob(jobCfg)
	if err != nil {
		log.Errorf("Job configuration error: %s", err)
		return syncStatusConfError
	}

	if cli.MetricsListen != "" {
		serveMetrics(job)
	}

	sysStopChan := make(chan os.Signal, 1)
	signal.Notify(sysStopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	var aborted atomic.Bool
	go func() {
		recSignal, ok := <-sysStopChan
		if !ok {
			return
		}
		log.Warnf("Receive signal: %s, terminating", recSignal.String())
		aborted.Store(true)
		job.Terminate()
	}()
	defer signal.Stop(sysStopChan)

	if cli.ShowProgress {
		go printLiveStats(ctx, job)
	}

	log.Infof("Starting sync job %s", job.ID)
	err = job.Run(ctx)
	cancel()
	var status syncStatus
	switch {
	case err != nil && storage.IsConfigError(err):
		log.Errorf("Sync configuration error: %s", err)
		status = syncStatusConfError
	case err != nil:
		log.Errorf("Sync error: %s", err)
		status = syncStatusFailed
	case aborted.Load():
		status = syncStatusAborted
	case job.Stats().ObjectsFailed > 0:
		status = syncStatusFailed
	default:
		status = syncStatusOk
	}

	printFinalStats(job, status)
	return status
}

func serveMetrics(job *engine.Job) {
	reg := prometheus.NewRegistry()
	if err := job.RegisterMetrics(reg); err != nil {
		log.Warnf("Failed to register metrics: %s", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(cli.MetricsListen, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("Metrics listener failed: %s", err)
		}
	}()
	log.Infof("Serving metrics on %s/metrics", cli.MetricsListen)
}
