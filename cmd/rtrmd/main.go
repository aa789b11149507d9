// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command rtrmd is the run-time resource manager daemon: it composes the
// core control loop (pkg/resmgr) over the accounter, application registry,
// scheduler and synchronization managers, and platform/power back-ends,
// then runs until signaled.
//
// Grounded on teacher cmd/cri-resmgr/main.go (backend wiring order, logger
// setup, instrumentation start/stop, debug-toggle signal) generalized onto
// this daemon's own composition root (spec.md §9: "retain a single
// composition root but do not rely on global access").
package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/bbque/rtrm/pkg/appmgr"
	"github.com/bbque/rtrm/pkg/instrumentation"
	"github.com/bbque/rtrm/pkg/log"
	"github.com/bbque/rtrm/pkg/platform"
	"github.com/bbque/rtrm/pkg/powermon"
	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/resmgr"
	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/rtlibproto"
	"github.com/bbque/rtrm/pkg/rtrmconfig"
	"github.com/bbque/rtrm/pkg/sched"
	"github.com/bbque/rtrm/pkg/schedmgr"
	"github.com/bbque/rtrm/pkg/syncmgr"
)

var logger = log.NewLogger("rtrmd")

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rtrmd",
		Short: "Run-time resource manager daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opt.configFile, "config", "", "path to the INI configuration file")
	flags.StringVar(&opt.policy, "policy", "", "name of the registered scheduling policy to load")
	flags.BoolVar(&opt.listPolicies, "list-policies", false, "list registered scheduling policies and exit")
	flags.BoolVar(&opt.printConfig, "print-config", false, "print the fully-resolved configuration and exit")
	flags.StringVar(&opt.cgroupRoot, "cgroup-root", "/sys/fs/cgroup/rtrm", "cpuset/cpu cgroup root")
	flags.StringVar(&opt.freezerRoot, "freezer-root", "/sys/fs/cgroup/freezer/rtrm", "freezer cgroup root")
	flags.StringVar(&opt.cpufreqRoot, "cpufreq-root", "/sys/devices/system/cpu", "cpufreq sysfs root")
	flags.StringVar(&opt.criuImageDir, "criu-image-dir", "", "checkpoint image directory (enables CRIU checkpoint/restore)")
	flags.StringVar(&opt.rtlibDir, "rtlib-dir", "", "directory holding RTLib client/daemon FIFOs (enables the wire notifier)")
	flags.BoolVar(&opt.mockPlatform, "mock-platform", false, "use the in-memory mock platform backend instead of real cgroups/CRIU")
	flags.StringVar(&opt.jaegerAgent, "jaeger-agent", "", "Jaeger agent endpoint")
	flags.StringVar(&opt.jaegerCollector, "jaeger-collector", "", "Jaeger collector endpoint")
	flags.Float64Var(&opt.samplingRatio, "sampling-ratio", 0, "trace sampling ratio, 0..1")
	flags.StringVar(&opt.metricsAddr, "metrics-addr", "", "address to serve /metrics on, empty disables")
	flags.BoolVar(&opt.sdNotify, "systemd-notify", false, "signal readiness to systemd via sd_notify")
	flags.BoolVar(&opt.nvmlGPU, "nvml-gpu", false, "sample ACCELERATOR resources through NVML alongside the sysfs sampler")

	return cmd
}

func run() error {
	log.Flush()
	log.SetupDebugToggleSignal(unix.SIGUSR1)
	logger.Info("rtrmd starting...")

	if opt.listPolicies {
		for _, name := range schedmgr.Available() {
			fmt.Println(name)
		}
		return nil
	}

	cfg := rtrmconfig.New()
	if opt.configFile != "" {
		if err := cfg.Load(opt.configFile); err != nil {
			return err
		}
		cfg.WatchAndReload()
	}

	if opt.printConfig {
		out, err := cfg.AllSettings()
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}

	instrCfg := instrumentation.Config{
		JaegerAgentEndpoint:     opt.jaegerAgent,
		JaegerCollectorEndpoint: opt.jaegerCollector,
		Sampling:                instrumentation.Sampling(opt.samplingRatio),
		PrometheusAddr:          opt.metricsAddr,
	}
	if err := instrumentation.Start(instrCfg); err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer instrumentation.Stop()

	mgr, channel, err := buildManager(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if channel != nil {
			_ = channel.Close()
		}
	}()

	mgr.Run()

	if opt.sdNotify {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logger.Warn("sd_notify READY failed: %v", err)
		}
	}

	waitForSignal(mgr)
	mgr.Wait()
	logger.Info("rtrmd exiting")
	return nil
}

// buildManager wires every component (A-H) into one resmgr.Manager, the
// control loop's composition root (spec.md §9: "explicit context structs
// ... threaded through construction").
func buildManager(cfg *rtrmconfig.Config) (*resmgr.Manager, *rtlibproto.Channel, error) {
	tree := respath.NewTree()
	acc := raccount.NewAccounter(tree)
	// Platform discovery itself is out of scope (spec.md §1); a real
	// deployment reports discovery completion through SetPlatformReady once
	// its plm (platform loader module) populates the tree.
	acc.SetPlatformReady(true)
	instrumentation.Register(acc.Collector())

	backend := buildBackend()

	appMgr := appmgr.NewManager(func(uid string) {
		if err := backend.Release(uid); err != nil {
			logger.Warn("release %s: %v", uid, err)
		}
	})

	var policy schedmgr.Policy
	if opt.policy != "" {
		p, ok := schedmgr.Lookup(opt.policy)
		if !ok {
			return nil, nil, fmt.Errorf("policy %q is not registered", opt.policy)
		}
		policy = p
	}
	schedMgr := schedmgr.NewManager(acc, appMgr, policy, isAlive)

	var notifier syncmgr.Notifier = noopNotifier{}
	var channel *rtlibproto.Channel
	if opt.rtlibDir != "" {
		ch, err := rtlibproto.NewChannel(opt.rtlibDir, appmgrResolver{appMgr}, 500*time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		channel = ch
		notifier = ch
	}

	syncCfg := syncmgr.DefaultConfig()
	if cfg != nil {
		if s := cfg.GetString("synchronization-manager.ordering"); s == "eager" {
			syncCfg.Ordering = syncmgr.Eager
		}
		if d := cfg.GetDuration("synchronization-manager.sync-change-timeout"); d > 0 {
			syncCfg.SyncChangeTimeout = d
		}
		if d := cfg.GetDuration("synchronization-manager.forced-gap-delay"); d > 0 {
			syncCfg.ForcedGapDelay = d
		}
		syncCfg.StrictLatency = cfg.GetBool("synchronization-manager.strict-latency")
	}
	syncMgr := syncmgr.NewManager(acc, appMgr, backend, notifier, syncCfg)

	powerCfg := powermon.DefaultConfig()
	if cfg != nil {
		if d := cfg.GetDuration("power-monitor.sample-period"); d > 0 {
			powerCfg.Period = d
		}
		if n := cfg.GetInt("power-monitor.nr-threads"); n > 0 {
			powerCfg.NumThreads = n
		}
	}

	var mgr *resmgr.Manager
	var sampler powermon.Sampler = powermon.NewSysfsSampler()
	if opt.nvmlGPU {
		sampler = powermon.CompositeSampler{Samplers: []powermon.Sampler{powermon.NewSysfsSampler(), powermon.NewNVMLSampler()}}
	}
	if opt.mockPlatform {
		sampler = powermon.NewMockSampler()
	}
	powerMon := powermon.NewMonitor(tree, sampler, powerCfg, func() {
		if mgr != nil {
			mgr.NotifyEvent(resmgr.EvPlat)
		}
	})
	instrumentation.Register(powerMon.Collector())
	powerMon.Start()

	mgr = resmgr.NewManager(resmgr.Config{
		Tree:     tree,
		Acc:      acc,
		AppMgr:   appMgr,
		SchedMgr: schedMgr,
		SyncMgr:  syncMgr,
		Backend:  backend,
		PowerMon: powerMon,
		StatusDumper: func() {
			report, err := acc.PrintStatusReport(raccount.SystemView)
			if err != nil {
				logger.Warn("status report: %v", err)
				return
			}
			logger.Info("%s", report)
		},
		MetricsDumper: func() {
			logger.Info("active sessions: %d", schedMgr.SessionCount())
		},
	})

	return mgr, channel, nil
}

func buildBackend() platform.Backend {
	if opt.mockPlatform {
		return platform.NewMock()
	}
	var backend platform.Backend = platform.NewLinuxBackend(opt.cgroupRoot, opt.freezerRoot, opt.cpufreqRoot)
	if opt.criuImageDir != "" {
		backend = platform.NewCRIUBackend(backend, opt.criuImageDir)
	}
	return backend
}

// isAlive probes pid liveness with a zero-signal kill(2), the liveness check
// CheckActiveExcs drives (spec.md §4.D).
func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(unix.Signal(0)) == nil
}

// appmgrResolver adapts appmgr.Manager to rtlibproto.Resolver.
type appmgrResolver struct {
	mgr *appmgr.Manager
}

func (r appmgrResolver) Resolve(uid string) (pid int, excID int, name string, ok bool) {
	s, found := r.mgr.Lookup(uid)
	if !found {
		return 0, 0, "", false
	}
	return s.PID(), s.ExcID(), s.Name(), true
}

// noopNotifier is used when no RTLib transport is configured: every phase
// succeeds immediately with zero latency, matching a daemon running purely
// against Process Manager-owned (non-RTLib) Schedulables.
type noopNotifier struct{}

func (noopNotifier) PreChange(uid string, next *sched.WorkingMode) (int, error) { return 0, nil }
func (noopNotifier) SyncChange(uid string) error                               { return nil }
func (noopNotifier) DoChange(uid string) error                                 { return nil }

func waitForSignal(mgr *resmgr.Manager) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGUSR2)
	for sig := range sigCh {
		switch sig {
		case unix.SIGUSR2:
			mgr.NotifyEvent(resmgr.EvUsr2)
		default:
			mgr.NotifyEvent(resmgr.EvExit)
			return
		}
	}
}
