package resolver

import (
	"log/slog"
	"time"

	"github.com/vietddude/flakeguard/internal/metrics"
)

// HealingEvent reports that a fallback descriptor found an element the primary could not.
type HealingEvent struct {
	Chain    string
	Primary  string
	Fallback string
	Index    int
	Elapsed  time.Duration
	At       time.Time
}

// EventSink receives healing events. Implementations must not block.
type EventSink interface {
	OnHealing(ev HealingEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(HealingEvent)

func (f SinkFunc) OnHealing(ev HealingEvent) { f(ev) }

// LogSink writes healing events as warnings so selector maintenance shows up in run logs.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) OnHealing(ev HealingEvent) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Warn("Element resolved by fallback locator",
		"chain", ev.Chain,
		"primary", ev.Primary,
		"fallback", ev.Fallback,
		"index", ev.Index,
		"elapsed", ev.Elapsed,
	)
}

// MetricsSink counts healing events per chain.
type MetricsSink struct{}

func (MetricsSink) OnHealing(ev HealingEvent) {
	metrics.HealingEventsTotal.WithLabelValues(ev.Chain).Inc()
}

// ChannelSink forwards events to a buffered channel and drops them when it is full.
type ChannelSink struct {
	C chan HealingEvent
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan HealingEvent, size)}
}

func (s *ChannelSink) OnHealing(ev HealingEvent) {
	select {
	case s.C <- ev:
	default:
	}
}

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) OnHealing(ev HealingEvent) {
	for _, s := range m {
		if s != nil {
			s.OnHealing(ev)
		}
	}
}
