// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloakmatch",
			Name:      "sessions_opened_total",
			Help:      "Number of match sessions opened.",
		},
	)
	likesSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloakmatch",
			Name:      "likes_submitted_total",
			Help:      "Number of encrypted decisions submitted.",
		},
	)
	likesLocalOnly = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloakmatch",
			Name:      "likes_local_only_total",
			Help:      "Number of negative decisions recorded locally.",
		},
	)
	matchesFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloakmatch",
			Name:      "matches_found_total",
			Help:      "Number of mutual matches.",
		},
	)
	duplicateNotifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloakmatch",
			Name:      "duplicate_notifications_total",
			Help:      "Number of suppressed duplicate network notifications.",
		},
	)
	computationTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloakmatch",
			Name:      "computation_timeouts_total",
			Help:      "Number of computation result waits that timed out.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsOpened)
	prometheus.MustRegister(likesSubmitted)
	prometheus.MustRegister(likesLocalOnly)
	prometheus.MustRegister(matchesFound)
	prometheus.MustRegister(duplicateNotifications)
	prometheus.MustRegister(computationTimeouts)
}
