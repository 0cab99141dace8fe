package router

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// portInfo binds one prometheus descriptor to the port counter it reads.
type portInfo struct {
	description *prometheus.Desc
	supplier    func(idx int, p *port) prometheus.Metric
}

// busLoadCollector exposes per-port frame/byte counters as a
// prometheus.Collector. It is entirely optional: a Router built without
// WithMetrics never touches this type.
type busLoadCollector struct {
	mu    sync.Mutex
	ports []*port
	infos []portInfo
}

func newBusLoadCollector() *busLoadCollector {
	c := &busLoadCollector{}
	c.addMetrics()
	return c
}

func (c *busLoadCollector) addMetrics() {
	labels := []string{"port"}
	c.infos = []portInfo{
		{
			description: prometheus.NewDesc("isobus_frames_in_total", "Frames received on this port.", labels, nil),
			supplier: func(idx int, p *port) prometheus.Metric {
				return prometheus.MustNewConstMetric(c.infos[0].description, prometheus.CounterValue, float64(p.framesIn), portLabel(idx))
			},
		},
		{
			description: prometheus.NewDesc("isobus_frames_out_total", "Frames transmitted on this port.", labels, nil),
			supplier: func(idx int, p *port) prometheus.Metric {
				return prometheus.MustNewConstMetric(c.infos[1].description, prometheus.CounterValue, float64(p.framesOut), portLabel(idx))
			},
		},
		{
			description: prometheus.NewDesc("isobus_bytes_in_total", "Payload bytes received on this port.", labels, nil),
			supplier: func(idx int, p *port) prometheus.Metric {
				return prometheus.MustNewConstMetric(c.infos[2].description, prometheus.CounterValue, float64(p.bytesIn), portLabel(idx))
			},
		},
		{
			description: prometheus.NewDesc("isobus_bytes_out_total", "Payload bytes transmitted on this port.", labels, nil),
			supplier: func(idx int, p *port) prometheus.Metric {
				return prometheus.MustNewConstMetric(c.infos[3].description, prometheus.CounterValue, float64(p.bytesOut), portLabel(idx))
			},
		},
	}
}

func portLabel(idx int) string {
	return fmt.Sprintf("%d", idx)
}

func (c *busLoadCollector) track(p *port) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports = append(c.ports, p)
}

func (c *busLoadCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *busLoadCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for idx, p := range c.ports {
		for _, info := range c.infos {
			metrics <- info.supplier(idx, p)
		}
	}
}

// WithMetrics registers a bus-load collector with reg, exposing per-port
// frame and byte counters. Ports added before this option runs are still
// picked up, since New applies options after every field is initialised
// but AddPort is always called afterward.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Router) {
		r.metrics = newBusLoadCollector()
		for _, p := range r.ports {
			r.metrics.track(p)
		}
		reg.MustRegister(r.metrics)
	}
}
