package core

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hscam"

// metrics exposes service state in the Prometheus text format. Session
// values are read from the live session at scrape time.
type metrics struct {
	registry *prometheus.Registry
	clips    prometheus.Counter
}

func newMetrics(s *Service) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		clips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_exported_total",
			Help:      "Clips written to the output directory.",
		}),
	}
	m.registry.MustRegister(m.clips, &collector{s: s})
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) clipExported() { m.clips.Inc() }

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

var (
	uptimeDesc        = desc("uptime_seconds", "Seconds since the service started.")
	sessionActiveDesc = desc("session_active", "1 while a viewer holds the camera.")
	bufferFramesDesc  = desc("buffer_frames", "Frames held by the ring buffer.")
	bufferSecondsDesc = desc("buffer_duration_seconds", "Time span covered by the ring buffer.")
	measuredFPSDesc   = desc("measured_fps", "Frame rate measured over the ring buffer.")
	evictedDesc       = desc("buffer_evicted_total", "Frames evicted from the ring buffer in this session.")
	framesDesc        = desc("capture_frames_total", "Frames captured in this session.")
	timeoutsDesc      = desc("capture_timeouts_total", "Grab timeouts in this session.")
	fatalsDesc        = desc("capture_fatals_total", "Fatal capture errors in this session.")
	reconnectsDesc    = desc("reconnect_attempts_total", "Reconnect attempts in this session.")
	previewSentDesc   = desc("preview_frames_sent_total", "Frames sent to preview viewers.")
	previewBlockDesc  = desc("preview_blocked_total", "Viewers refused because the camera was busy.")
	mqttConnDesc      = desc("mqtt_connected", "1 while the MQTT client is connected.")
	mqttErrorsDesc    = desc("mqtt_publish_errors_total", "Failed MQTT publishes.")
)

type collector struct {
	s *Service
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		uptimeDesc, sessionActiveDesc,
		bufferFramesDesc, bufferSecondsDesc, measuredFPSDesc, evictedDesc,
		framesDesc, timeoutsDesc, fatalsDesc, reconnectsDesc,
		previewSentDesc, previewBlockDesc,
		mqttConnDesc, mqttErrorsDesc,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	c.s.mu.RLock()
	started, running := c.s.started, c.s.isRunning
	c.s.mu.RUnlock()
	if running {
		gauge(uptimeDesc, time.Since(started).Seconds())
	} else {
		gauge(uptimeDesc, 0)
	}

	if sess, ok := c.s.lifecycle.Current(); ok {
		st := sess.Stats()
		gauge(sessionActiveDesc, 1)
		gauge(bufferFramesDesc, float64(st.Buffer.FrameCount))
		gauge(bufferSecondsDesc, st.Buffer.DurationS)
		gauge(measuredFPSDesc, st.Buffer.MeasuredFPS)
		counter(evictedDesc, float64(st.Buffer.Evicted))
		counter(framesDesc, float64(st.Capture.Frames))
		counter(timeoutsDesc, float64(st.Capture.Timeouts))
		counter(fatalsDesc, float64(st.Capture.Fatals))
		counter(reconnectsDesc, float64(st.Capture.Reconnect.Attempts))
	} else {
		gauge(sessionActiveDesc, 0)
	}

	ps := c.s.preview.Stats()
	counter(previewSentDesc, float64(ps.FramesSent))
	counter(previewBlockDesc, float64(ps.Blocked))

	if c.s.emitter != nil {
		es := c.s.emitter.Stats()
		connected := 0.0
		if es.Connected {
			connected = 1
		}
		gauge(mqttConnDesc, connected)
		counter(mqttErrorsDesc, float64(es.Errors))
	}
}
