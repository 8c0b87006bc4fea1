// Package metrics provides Prometheus metrics for pipelaunch.
//
// The metric surface is deliberately small: one worker per invocation
// means aggregate counters and a handful of gauges cover the whole run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipelaunch/pipelaunch/internal/supervisor"
)

// CollectorConfig holds static labels for the info metric.
type CollectorConfig struct {
	Version string
	Worker  string
	Script  string
}

// Collector owns the Prometheus metrics and the record methods the
// supervisor callbacks feed.
type Collector struct {
	info            *prometheus.GaugeVec
	state           prometheus.Gauge
	workerRunning   prometheus.Gauge
	workerExitCode  prometheus.Gauge
	uptimeSeconds   prometheus.Gauge
	heartbeatsSent  prometheus.Counter
	heartbeatErrors prometheus.Counter
	relayBytes      prometheus.Counter
	relayChunks     prometheus.Counter
	shutdownTokens  prometheus.Counter
}

// NewCollector creates a collector registered on the default registerer.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered on the given
// registerer. Tests pass an isolated registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipelaunch_info",
				Help: "Information about this supervisor invocation (value always 1)",
			},
			[]string{"version", "worker", "script"},
		),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipelaunch_supervisor_state",
			Help: "Current supervisor state as an enum value (see state names in logs)",
		}),
		workerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipelaunch_worker_running",
			Help: "1 while the worker process is running, 0 otherwise",
		}),
		workerExitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipelaunch_worker_exit_code",
			Help: "Worker exit code (-1 until the worker has exited)",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipelaunch_worker_uptime_seconds",
			Help: "Worker uptime at exit",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelaunch_heartbeats_sent_total",
			Help: "Heartbeat tokens successfully written to the control channel",
		}),
		heartbeatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelaunch_heartbeat_errors_total",
			Help: "Heartbeat writes that failed (non-fatal, retried next tick)",
		}),
		relayBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelaunch_relay_bytes_total",
			Help: "Worker output bytes forwarded to the host sink",
		}),
		relayChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelaunch_relay_chunks_total",
			Help: "Output chunks forwarded to the host sink",
		}),
		shutdownTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelaunch_shutdown_tokens_total",
			Help: "Shutdown tokens delivered to the worker (at most 1 per run)",
		}),
	}

	registry.MustRegister(
		c.info,
		c.state,
		c.workerRunning,
		c.workerExitCode,
		c.uptimeSeconds,
		c.heartbeatsSent,
		c.heartbeatErrors,
		c.relayBytes,
		c.relayChunks,
		c.shutdownTokens,
	)

	c.info.WithLabelValues(cfg.Version, cfg.Worker, cfg.Script).Set(1)
	c.workerExitCode.Set(-1)

	return c
}

// Callbacks returns supervisor callbacks wired into this collector,
// chained after next (which may be the zero value).
func (c *Collector) Callbacks(next supervisor.Callbacks) supervisor.Callbacks {
	return supervisor.Callbacks{
		OnStateChange: func(oldState, newState supervisor.State) {
			c.state.Set(float64(newState))
			if next.OnStateChange != nil {
				next.OnStateChange(oldState, newState)
			}
		},
		OnStart: func(pid int) {
			c.workerRunning.Set(1)
			if next.OnStart != nil {
				next.OnStart(pid)
			}
		},
		OnExit: func(exitCode int, uptime time.Duration) {
			c.workerRunning.Set(0)
			c.workerExitCode.Set(float64(exitCode))
			c.uptimeSeconds.Set(uptime.Seconds())
			if next.OnExit != nil {
				next.OnExit(exitCode, uptime)
			}
		},
		OnHeartbeat: func() {
			c.heartbeatsSent.Inc()
			if next.OnHeartbeat != nil {
				next.OnHeartbeat()
			}
		},
		OnHeartbeatError: func() {
			c.heartbeatErrors.Inc()
			if next.OnHeartbeatError != nil {
				next.OnHeartbeatError()
			}
		},
		OnShutdownToken: func() {
			c.shutdownTokens.Inc()
			if next.OnShutdownToken != nil {
				next.OnShutdownToken()
			}
		},
		OnRelay: func(n int) {
			c.relayBytes.Add(float64(n))
			c.relayChunks.Inc()
			if next.OnRelay != nil {
				next.OnRelay(n)
			}
		},
	}
}
