// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command attendantd is a demo host for the attendant library: it reads a
// harness configuration file, launches and supervises a single server
// process, serves a read-only status API, and exports Prometheus metrics,
// so the library can be exercised end-to-end without a real embedding
// application.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canonical/go-flags"
	"github.com/canonical/x-go/randutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/attendant/internals/attendant"
	"github.com/canonical/attendant/internals/attendantmetrics"
	"github.com/canonical/attendant/internals/config"
	"github.com/canonical/attendant/internals/logger"
	"github.com/canonical/attendant/internals/statusapi"
)

type cmdOptions struct {
	ConfigPath string `short:"c" long:"config" description:"Path to the harness YAML config" required:"true"`
}

func main() {
	var opts cmdOptions
	parser := flags.NewParser(&opts, flags.Default)
	parser.ShortDescription = "Supervise a single server process"
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(opts.ConfigPath); err != nil {
		logger.Noticef("attendantd: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	serverArgv, err := cfg.ServerArgv()
	if err != nil {
		return fmt.Errorf("cannot parse server-args: %w", err)
	}

	runID, err := randutil.RandomKernelUUID()
	if err != nil {
		runID = "unknown"
	}
	logger.Noticef("attendantd: starting run %s", runID)

	metrics := attendantmetrics.NewCollector("attendantd")
	metrics.MustRegister(prometheus.DefaultRegisterer)

	restarts := 0
	var a *attendant.ProcessAttendant

	starter := func(restart bool) {
		if restarts >= cfg.MaxRestarts {
			return // leave running=false; the attendant will latch shutdown
		}
		restarts++
		metrics.ObserveRestart()
		if err := a.Start(cfg.ServerPath, serverArgv); err != nil {
			logger.Noticef("attendantd: restart failed: %v", err)
			if e := a.LastError(); e != nil {
				metrics.ObserveLaunchFailure(e.Code)
			}
		}
	}

	connector := func(stdin, stdout *os.File) {
		metrics.ObserveStart(a.Instance())
		logger.Noticef("attendantd: instance %d connected", a.Instance())
		// A real host would bootstrap its own IPC protocol over
		// stdin/stdout here; the demo harness has nothing to say.
		_ = stdin
		_ = stdout
	}

	var statusSrv *statusapi.Server

	a, err = attendant.Initialize(attendant.Options{
		RelayPath: cfg.RelayPath,
		CanaryFd:  cfg.CanaryFd,
		Starter:   starter,
		Connector: connector,
		StderrSink: func(b []byte) {
			if statusSrv != nil {
				statusSrv.Publish(b)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("cannot initialize attendant: %w", err)
	}
	defer a.Destroy()

	statusSrv = statusapi.New(a)
	if cfg.StatusAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.StatusAddr, statusSrv.Router); err != nil {
				logger.Noticef("attendantd: status API stopped: %v", err)
			}
		}()
	}
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Noticef("attendantd: metrics server stopped: %v", err)
			}
		}()
	}

	if err := a.Start(cfg.ServerPath, serverArgv); err != nil {
		if e := a.LastError(); e != nil {
			metrics.ObserveLaunchFailure(e.Code)
		}
		return fmt.Errorf("cannot start server: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Noticef("attendantd: shutting down")
		a.Shutdown()
		if !a.Done(cfg.ShutdownGraceDuration()) {
			logger.Noticef("attendantd: graceful shutdown window elapsed, forcing")
			a.Scram()
		}
	}()

	// Done does not wait until shutdown has latched, so first wait for
	// terminal shutdown: Ready reports false only from then on.
	for a.Ready() {
		time.Sleep(250 * time.Millisecond)
	}
	a.Done(0)
	metrics.ObserveTermination()
	if e := a.LastError(); e != nil {
		return fmt.Errorf("terminated with error: %v", e)
	}
	return nil
}
