// Package metrics mirrors the per-device Stats block (model.StatsSnapshot)
// into Prometheus gauges labeled by instance name, giving the Stats
// control-plane command a read-only external-observability counterpart
// alongside the in-memory counters the queue invariants are checked
// against. The in-memory atomics remain the source of truth; this
// package only ever reflects them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "wnbd"

var (
	registry = prometheus.NewRegistry()

	received = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_received_total",
		Help: "Total SCSI requests submitted to the device.",
	}, []string{"instance_name"})

	submitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_submitted_total",
		Help: "Total requests handed off to the back end.",
	}, []string{"instance_name"})

	replied = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_replied_total",
		Help: "Total requests the SCSI front completion callback fired for.",
	}, []string{"instance_name"})

	unsubmitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_pending",
		Help: "Requests currently on the Pending queue.",
	}, []string{"instance_name"})

	pendingSubmitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_submitted",
		Help: "Requests currently on the Submitted queue.",
	}, []string{"instance_name"})

	abortedUnsubmitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_aborted_unsubmitted_total",
		Help: "Requests aborted while still on the Pending queue.",
	}, []string{"instance_name"})

	abortedSubmitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_aborted_submitted_total",
		Help: "Requests marked aborted while in flight with the back end.",
	}, []string{"instance_name"})

	completedAborted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_completed_aborted_total",
		Help: "Late back-end replies discarded for already-aborted requests.",
	}, []string{"instance_name"})

	completed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "requests_completed_total",
		Help: "Requests completed with a back-end-sourced status.",
	}, []string{"instance_name"})
)

func init() {
	registry.MustRegister(received, submitted, replied, unsubmitted,
		pendingSubmitted, abortedUnsubmitted, abortedSubmitted,
		completedAborted, completed)
}

// Registry exposes the package's collector registry, e.g. for a
// /metrics HTTP handler via promhttp.HandlerFor.
func Registry() *prometheus.Registry { return registry }

// Snapshot is the subset of model.StatsSnapshot this package mirrors.
// Defined locally (rather than importing internal/model) so this leaf
// package stays free of a dependency edge back toward the device layer.
type Snapshot struct {
	Received           int64
	Submitted          int64
	Replied            int64
	Unsubmitted        int64
	PendingSubmitted   int64
	AbortedUnsubmitted int64
	AbortedSubmitted   int64
	CompletedAborted   int64
	Completed          int64
}

// Recorder mirrors one device's stats block under its instance_name label.
type Recorder struct {
	name string
}

// NewRecorder returns a Recorder bound to instanceName. Safe to construct
// even if the name collides with a just-removed device of the same name;
// Observe always overwrites to the latest value.
func NewRecorder(instanceName string) *Recorder {
	return &Recorder{name: instanceName}
}

// Observe sets every gauge to s's values.
func (r *Recorder) Observe(s Snapshot) {
	if r == nil {
		return
	}
	received.WithLabelValues(r.name).Set(float64(s.Received))
	submitted.WithLabelValues(r.name).Set(float64(s.Submitted))
	replied.WithLabelValues(r.name).Set(float64(s.Replied))
	unsubmitted.WithLabelValues(r.name).Set(float64(s.Unsubmitted))
	pendingSubmitted.WithLabelValues(r.name).Set(float64(s.PendingSubmitted))
	abortedUnsubmitted.WithLabelValues(r.name).Set(float64(s.AbortedUnsubmitted))
	abortedSubmitted.WithLabelValues(r.name).Set(float64(s.AbortedSubmitted))
	completedAborted.WithLabelValues(r.name).Set(float64(s.CompletedAborted))
	completed.WithLabelValues(r.name).Set(float64(s.Completed))
}

// Close removes this device's label set from every vector, so a removed
// device doesn't leave stale series behind (mirrors the registry/bitmap
// cleanup the cleaner performs for the in-memory side).
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	received.DeleteLabelValues(r.name)
	submitted.DeleteLabelValues(r.name)
	replied.DeleteLabelValues(r.name)
	unsubmitted.DeleteLabelValues(r.name)
	pendingSubmitted.DeleteLabelValues(r.name)
	abortedUnsubmitted.DeleteLabelValues(r.name)
	abortedSubmitted.DeleteLabelValues(r.name)
	completedAborted.DeleteLabelValues(r.name)
	completed.DeleteLabelValues(r.name)
}
