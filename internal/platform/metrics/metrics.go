package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set carries the chat engine's counters. Every record helper is nil-safe so
// call sites never need to guard on whether metrics are wired.
type Set struct {
	mergeOutcomes  *prometheus.CounterVec
	liveDeliveries prometheus.Counter
	sendOutcomes   *prometheus.CounterVec
	sessionStates  *prometheus.CounterVec
	errors         *prometheus.CounterVec
}

func NewSet() *Set {
	return &Set{
		mergeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casetrack",
			Subsystem: "chat",
			Name:      "merge_outcomes_total",
			Help:      "Message merge results by outcome.",
		}, []string{"outcome"}),
		liveDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casetrack",
			Subsystem: "chat",
			Name:      "live_deliveries_total",
			Help:      "Messages delivered through the live subscription.",
		}),
		sendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casetrack",
			Subsystem: "chat",
			Name:      "send_outcomes_total",
			Help:      "Send attempts by outcome.",
		}, []string{"outcome"}),
		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casetrack",
			Subsystem: "chat",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target status.",
		}, []string{"status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casetrack",
			Subsystem: "chat",
			Name:      "errors_total",
			Help:      "Errors by category.",
		}, []string{"category"}),
	}
}

func (s *Set) Register(reg prometheus.Registerer) error {
	if s == nil || reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		s.mergeOutcomes, s.liveDeliveries, s.sendOutcomes, s.sessionStates, s.errors,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) RecordMerge(outcome string) {
	if s == nil {
		return
	}
	s.mergeOutcomes.WithLabelValues(outcome).Inc()
}

func (s *Set) RecordLiveDelivery() {
	if s == nil {
		return
	}
	s.liveDeliveries.Inc()
}

func (s *Set) RecordSend(outcome string) {
	if s == nil {
		return
	}
	s.sendOutcomes.WithLabelValues(outcome).Inc()
}

func (s *Set) RecordState(status string) {
	if s == nil {
		return
	}
	s.sessionStates.WithLabelValues(status).Inc()
}

func (s *Set) RecordError(category string) {
	if s == nil {
		return
	}
	s.errors.WithLabelValues(category).Inc()
}
