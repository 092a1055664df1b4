// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/autothanks/internal/metrics/collector"
)

type Manager struct {
	registry *prometheus.Registry
	Thanks   *collector.ThanksCollector
}

func NewMetricsManager() *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	thanks := collector.NewThanksCollector(registry)

	log.Debug().Msg("Metrics manager initialized")

	return &Manager{
		registry: registry,
		Thanks:   thanks,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
