// metrics.go - Prometheus instrumentation.
// Copyright (C) 2026  Nightjar Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package machine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	oneTimeKeysUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nightjar_one_time_keys_uploaded_total",
			Help: "Number of one-time keys uploaded",
		},
	)
	roomKeysReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nightjar_room_keys_received_total",
			Help: "Number of inbound group sessions received",
		},
	)
	groupDecryptionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nightjar_group_decryption_failures_total",
			Help: "Number of group messages that could not be decrypted",
		},
	)
	keyRequestsAnswered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nightjar_key_requests_answered_total",
			Help: "Number of peer key requests answered with a forwarded key",
		},
	)
	sessionsBackedUp = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nightjar_sessions_backed_up_total",
			Help: "Number of sessions uploaded to the key backup",
		},
	)
)

func init() {
	prometheus.MustRegister(oneTimeKeysUploaded)
	prometheus.MustRegister(roomKeysReceived)
	prometheus.MustRegister(groupDecryptionFailures)
	prometheus.MustRegister(keyRequestsAnswered)
	prometheus.MustRegister(sessionsBackedUp)
}
