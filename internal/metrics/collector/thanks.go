// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package collector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autothanks"

type ThanksCollector struct {
	ThanksTotal          *prometheus.CounterVec
	ThankDuration        *prometheus.HistogramVec
	QueueDepth           *prometheus.GaugeVec
	WebhookEventsTotal   *prometheus.CounterVec
	ScanRunsTotal        *prometheus.CounterVec
	ScanTorrentsTotal    *prometheus.CounterVec
	ScanLastRunTimestamp prometheus.Gauge
}

func NewThanksCollector(r *prometheus.Registry) *ThanksCollector {
	m := &ThanksCollector{
		ThanksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "thanks",
			Name:      "total",
			Help:      "Total number of thank attempts by outcome",
		}, []string{"site", "origin", "outcome"}),
		ThankDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "thanks",
			Name:      "duration_seconds",
			Help:      "Time spent thanking a single torrent, login included",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"site"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Unfinished thank tasks per site",
		}, []string{"site"}),
		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by source and status",
		}, []string{"source", "status"}),
		ScanRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Completed reconciliation scans by result",
		}, []string{"result"}),
		ScanTorrentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "torrents_total",
			Help:      "Torrents processed by reconciliation scans",
		}, []string{"status"}),
		ScanLastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last reconciliation scan finished",
		}),
	}

	r.MustRegister(
		m.ThanksTotal,
		m.ThankDuration,
		m.QueueDepth,
		m.WebhookEventsTotal,
		m.ScanRunsTotal,
		m.ScanTorrentsTotal,
		m.ScanLastRunTimestamp,
	)
	return m
}

func (m *ThanksCollector) ObserveThank(site, origin, outcome string, took time.Duration) {
	m.ThanksTotal.With(prometheus.Labels{"site": site, "origin": origin, "outcome": outcome}).Inc()
	m.ThankDuration.WithLabelValues(site).Observe(took.Seconds())
}

func (m *ThanksCollector) SetQueueDepth(site string, depth int) {
	m.QueueDepth.WithLabelValues(site).Set(float64(depth))
}

func (m *ThanksCollector) ObserveWebhook(source, status string) {
	m.WebhookEventsTotal.WithLabelValues(source, status).Inc()
}

func (m *ThanksCollector) ObserveScan(result string, thanked, skipped, errored int, finished time.Time) {
	m.ScanRunsTotal.WithLabelValues(result).Inc()
	m.ScanTorrentsTotal.WithLabelValues("thanked").Add(float64(thanked))
	m.ScanTorrentsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.ScanTorrentsTotal.WithLabelValues("errored").Add(float64(errored))
	m.ScanLastRunTimestamp.Set(float64(finished.Unix()))
}
