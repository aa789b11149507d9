// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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

// Package instrumentation wires the daemon's OpenCensus trace exporter and
// Prometheus metrics registry.
//
// Grounded on teacher pkg/instrumentation/{instrumentation,jaeger,metrics}.go
// (package-level Start/Stop, a tracing struct wrapping the Jaeger exporter,
// sampling ratio config) using contrib.go.opencensus.io/exporter/jaeger,
// go.opencensus.io/trace, and github.com/prometheus/client_golang, all
// teacher go.mod dependencies (SPEC_FULL.md §4.J).
package instrumentation

import (
	"net/http"
	"sync"

	"contrib.go.opencensus.io/exporter/jaeger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opencensus.io/trace"

	"github.com/bbque/rtrm/pkg/log"
)

var logger = log.NewLogger("instrumentation")

// ServiceName identifies this process to the trace backend.
const ServiceName = "rtrmd"

// Sampling selects how large a fraction of traces get recorded.
type Sampling float64

// Sampler turns the ratio into an OpenCensus sampler.
func (s Sampling) Sampler() trace.Sampler {
	if s <= 0 {
		return trace.NeverSample()
	}
	if s >= 1 {
		return trace.AlwaysSample()
	}
	return trace.ProbabilitySampler(float64(s))
}

// Config bundles the daemon's instrumentation settings.
type Config struct {
	JaegerAgentEndpoint     string
	JaegerCollectorEndpoint string
	Sampling                Sampling
	PrometheusAddr          string // empty disables the metrics HTTP server
}

var (
	mu       sync.Mutex
	exporter *jaeger.Exporter
	registry = prometheus.NewRegistry()
	server   *http.Server
)

// Registry returns the shared Prometheus registry every Collector is
// registered into.
func Registry() *prometheus.Registry { return registry }

// Register adds one or more collectors to the shared registry, ignoring
// AlreadyRegisteredError the way a daemon restart-safe Start would.
func Register(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if c == nil {
			continue
		}
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.Warn("failed to register collector: %v", err)
			}
		}
	}
}

// Start wires the Jaeger exporter (if configured) and the Prometheus HTTP
// endpoint (if configured), matching teacher instrumentation.Start.
func Start(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if cfg.JaegerAgentEndpoint != "" || cfg.JaegerCollectorEndpoint != "" {
		logger.Info("creating Jaeger trace exporter...")
		exp, err := jaeger.NewExporter(jaeger.Options{
			ServiceName:       ServiceName,
			AgentEndpoint:     cfg.JaegerAgentEndpoint,
			CollectorEndpoint: cfg.JaegerCollectorEndpoint,
			Process:           jaeger.Process{ServiceName: ServiceName},
			OnError:           func(err error) { logger.Error("jaeger error: %v", err) },
		})
		if err != nil {
			return err
		}
		exporter = exp
		trace.RegisterExporter(exporter)
		trace.ApplyConfig(trace.Config{DefaultSampler: cfg.Sampling.Sampler()})
	}

	if cfg.PrometheusAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: cfg.PrometheusAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server: %v", err)
			}
		}()
		logger.Info("serving Prometheus metrics on %s/metrics", cfg.PrometheusAddr)
	}

	return nil
}

// Stop tears down the trace exporter and metrics server started by Start.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if exporter != nil {
		trace.UnregisterExporter(exporter)
		exporter = nil
	}
	if server != nil {
		_ = server.Close()
		server = nil
	}
}
