package observers

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harunnryd/interviewer/pkg/metrics"
)

const namespace = "interviewer"

// PrometheusObserver exports engine events as Prometheus collectors.
type PrometheusObserver struct {
	events          *prometheus.CounterVec
	interrupts      *prometheus.CounterVec
	firstToken      prometheus.Histogram
	firstAudio      prometheus.Histogram
	sentenceSeconds prometheus.Histogram
	responseLatency prometheus.Histogram
	sessionsEnded   prometheus.Counter
}

// NewPrometheusObserver registers the collectors with reg. A nil reg uses
// the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events by name and component",
		}, []string{"event", "component"}),
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Interviewer replies cut short, by reason",
		}, []string{"reason"}),
		firstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_first_token_seconds",
			Help:      "Time from request to the first reply token",
			Buckets:   []float64{.1, .25, .5, .75, 1, 1.5, 2, 3, 5},
		}),
		firstAudio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_first_audio_seconds",
			Help:      "Synthesis time of the first sentence of a reply",
			Buckets:   []float64{.05, .1, .25, .5, .75, 1, 2, 3},
		}),
		sentenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sentence_audio_seconds",
			Help:      "Duration of played interviewer sentences",
			Buckets:   []float64{.5, 1, 2, 3, 5, 8, 13},
		}),
		responseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_seconds",
			Help:      "Candidate speech end until interviewer audio is ready",
			Buckets:   []float64{.5, 1, 1.5, 2, 2.5, 3, 4, 6, 10},
		}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Interview sessions that ended",
		}),
	}
	for _, c := range []prometheus.Collector{
		o.events, o.interrupts, o.firstToken, o.firstAudio,
		o.sentenceSeconds, o.responseLatency, o.sessionsEnded,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.events.WithLabelValues(ev.Name, ev.Tags[metrics.TagComponent]).Inc()
	switch ev.Name {
	case metrics.EventLLMFirstToken:
		o.firstToken.Observe(float64(intField(ev.Fields, "latency_ms")) / 1000)
	case metrics.EventTTSFirstAudio:
		o.firstAudio.Observe(float64(intField(ev.Fields, "latency_ms")) / 1000)
	case metrics.EventPlaybackFinished:
		o.sentenceSeconds.Observe(float64(intField(ev.Fields, "duration_ms")) / 1000)
	case metrics.EventInterrupt:
		reason, _ := ev.Fields["reason"].(string)
		o.interrupts.WithLabelValues(reason).Inc()
	case metrics.EventSessionEnd:
		o.sessionsEnded.Inc()
	}
}

// ObserveLatency records a measurement from LatencyObserver.
func (o *PrometheusObserver) ObserveLatency(l Latency) {
	if l.Total >= 0 {
		o.responseLatency.Observe(l.Total.Seconds())
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
