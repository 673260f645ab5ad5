package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procws_ticks_total",
			Help: "Total number of sampling ticks executed",
		},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "procws_tick_duration_seconds",
			Help:    "Time spent reading and assembling one tick",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	readErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procws_read_errors_total",
			Help: "Metrics source reads that failed, by source",
		},
		[]string{"source"},
	)

	counterResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procws_counter_resets_total",
			Help: "Interface byte counter resets or wraps detected",
		},
		[]string{"interface"},
	)

	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "procws_clients",
			Help: "Number of connected websocket clients",
		},
	)

	droppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procws_dropped_frames_total",
			Help: "Frames dropped because a client's send queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(ticksTotal)
	prometheus.MustRegister(tickDuration)
	prometheus.MustRegister(readErrors)
	prometheus.MustRegister(counterResets)
	prometheus.MustRegister(connectedClients)
	prometheus.MustRegister(droppedFrames)
}
