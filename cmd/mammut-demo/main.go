// Command mammut-demo discovers the local machine's CPU topology, frequency
// domains and energy counters, starts a synthetic worker farm, and hands it
// to the adaptive manager so the sampling/search/reconfigure loop can be
// watched end to end on real (or root-owned fake) sysfs paths.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/DanieleDeSensi/mammut/pkg/config"
	"github.com/DanieleDeSensi/mammut/pkg/cpufreq"
	"github.com/DanieleDeSensi/mammut/pkg/energy"
	"github.com/DanieleDeSensi/mammut/pkg/farm"
	"github.com/DanieleDeSensi/mammut/pkg/manager"
	"github.com/DanieleDeSensi/mammut/pkg/topology"
	"github.com/DanieleDeSensi/mammut/pkg/voltage"
)

// loggingObserver prints sampling and reconfiguration events as they
// happen, so the demo is legible without attaching a debugger.
type loggingObserver struct {
	log logr.Logger
}

func (o loggingObserver) OnSample(avgBandwidth, avgUtilization float64) {
	o.log.Info("sample", "avgBandwidth", avgBandwidth, "avgUtilization", avgUtilization)
}

func (o loggingObserver) OnContractViolation(reason string) {
	o.log.Info("contract violated", "reason", reason)
}

func (o loggingObserver) OnReconfigure(oldWorkers, newWorkers uint, oldFreqKHz, newFreqKHz uint64) {
	o.log.Info("reconfigured", "oldWorkers", oldWorkers, "newWorkers", newWorkers, "oldFreqKHz", oldFreqKHz, "newFreqKHz", newFreqKHz)
}

func main() {
	var (
		cpuRoot       = flag.String("cpu-root", "/sys/devices/system/cpu", "root directory standing in for the cpu sysfs tree")
		raplRoot      = flag.String("rapl-root", "/sys/devices/virtual/powercap/intel-rapl", "root directory standing in for the RAPL powercap tree")
		configPath    = flag.String("config", "", "path to an XML parameters file; empty uses built-in defaults")
		voltageTable  = flag.String("voltage-table", "", "path to a voltage table file; required when the configuration's frequency strategy is powerConservative")
		maxWorkers    = flag.Uint("max-workers", 4, "size of the synthetic farm's worker slot pool")
		withEmitter   = flag.Bool("with-emitter", true, "give the synthetic farm a dedicated emitter node")
		withCollector = flag.Bool("with-collector", false, "give the synthetic farm a dedicated collector node")
		wrapInterval  = flag.Duration("energy-wrap-interval", 30*time.Second, "interval after which the RAPL counters wrap; the refresher polls at half this interval")
		runFor        = flag.Duration("run-for", 0, "stop the manager after this long; 0 runs until a signal arrives")
	)

	var logOpts zap.Options
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	log := zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&logOpts),
	)

	topo, err := topology.Enumerate(*cpuRoot, log)
	if err != nil {
		log.Error(err, "topology enumeration failed")
		os.Exit(1)
	}
	log.Info("discovered topology", "cpus", len(topo.Cpus()), "virtualCores", len(topo.VirtualCores()))

	freq, err := cpufreq.Discover(*cpuRoot, topo, log)
	if err != nil {
		log.Error(err, "frequency domain discovery failed")
		os.Exit(1)
	}
	log.Info("discovered frequency domains", "domains", len(freq.Domains()))

	en, err := energy.Discover(*raplRoot, topo, *wrapInterval, log)
	if err != nil {
		log.Error(err, "energy counter discovery failed")
		os.Exit(1)
	}

	params := config.Default()
	if *configPath != "" {
		params, err = config.Load(*configPath)
		if err != nil {
			log.Error(err, "loading configuration failed", "path", *configPath)
			os.Exit(1)
		}
	} else {
		params.MaxWorkers = *maxWorkers
	}

	var vtable *voltage.Table
	if *voltageTable != "" {
		vtable, err = voltage.Load(*voltageTable)
		if err != nil {
			log.Error(err, "loading voltage table failed", "path", *voltageTable)
			os.Exit(1)
		}
	}

	f := farm.NewMockFarm(params.MaxWorkers, *withEmitter, *withCollector)

	obs := loggingObserver{log: log}
	mgr, err := manager.New(topo, freq, en, f, params, vtable, obs, log)
	if err != nil {
		log.Error(err, "manager construction failed")
		os.Exit(1)
	}
	log.Info("manager ready", "state", mgr.State().String(), "configuration", mgr.Configuration())

	if err := mgr.Start(); err != nil {
		log.Error(err, "manager start failed")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var timeoutCh <-chan time.Time
	if *runFor > 0 {
		timeoutCh = time.After(*runFor)
	}

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "\nreceived %s, stopping...\n", sig)
	case <-timeoutCh:
		log.Info("run-for elapsed, stopping")
	}

	mgr.Stop()
	log.Info("manager stopped", "configuration", mgr.Configuration())
}
