package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"telecortex/protocol"
)

// Metrics exposes per-controller fleet telemetry as Prometheus gauges,
// fed from each Session's parsed ";LOO:" lines. Grounded on the
// retrieval pack's pairing of prometheus/client_golang with a
// line-protocol parser (see DESIGN.md).
type Metrics struct {
	fps      *prometheus.GaugeVec
	cmdRate  *prometheus.GaugeVec
	pixRate  *prometheus.GaugeVec
	queueOcc *prometheus.GaugeVec
	queueMax *prometheus.GaugeVec
}

// NewMetrics registers the fleet's gauges with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "telecortex",
			Name:      "fps",
			Help:      "Frames per second reported by the controller.",
		}, []string{"controller_id"}),
		cmdRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "telecortex",
			Name:      "cmd_rate",
			Help:      "Commands per second processed by the controller.",
		}, []string{"controller_id"}),
		pixRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "telecortex",
			Name:      "pix_rate",
			Help:      "Pixels per second processed by the controller.",
		}, []string{"controller_id"}),
		queueOcc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "telecortex",
			Name:      "queue_occupancy",
			Help:      "Controller-side command queue occupancy.",
		}, []string{"controller_id"}),
		queueMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "telecortex",
			Name:      "queue_capacity",
			Help:      "Controller-side command queue capacity.",
		}, []string{"controller_id"}),
	}
	reg.MustRegister(m.fps, m.cmdRate, m.pixRate, m.queueOcc, m.queueMax)
	return m
}

// Observe updates every gauge for controllerID from t.
func (m *Metrics) Observe(controllerID string, t protocol.Telemetry) {
	m.fps.WithLabelValues(controllerID).Set(t.FPS)
	m.cmdRate.WithLabelValues(controllerID).Set(t.CmdRate)
	m.pixRate.WithLabelValues(controllerID).Set(t.PixRate)
	m.queueOcc.WithLabelValues(controllerID).Set(float64(t.QueueOcc))
	m.queueMax.WithLabelValues(controllerID).Set(float64(t.QueueMax))
}
