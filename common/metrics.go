// @author Couchbase <info@couchbase.com>
// @copyright 2014 Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const transportSubsystem = "transport"

var (
	// Registry holds every collector of the process.  Packages register
	// their own collectors into it from init().
	Registry = prometheus.NewRegistry()

	// LinksActive is the number of established links per channel kind.
	LinksActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: METRICS_NAMESPACE,
		Subsystem: transportSubsystem,
		Name:      "links_active",
		Help:      "Number of established links",
	}, []string{"channel"})

	// LinkFailures counts links torn down by a read or write error.
	LinkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: METRICS_NAMESPACE,
		Subsystem: transportSubsystem,
		Name:      "link_failures_total",
		Help:      "Total number of links closed because of an I/O error",
	}, []string{"channel"})

	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: METRICS_NAMESPACE,
		Subsystem: transportSubsystem,
		Name:      "frames_sent_total",
		Help:      "Total number of frames written to links",
	}, []string{"channel"})

	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: METRICS_NAMESPACE,
		Subsystem: transportSubsystem,
		Name:      "frames_received_total",
		Help:      "Total number of frames read from links",
	}, []string{"channel"})

	// DialFailures counts failed outbound connection attempts, handshake
	// failures included.
	DialFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: METRICS_NAMESPACE,
		Subsystem: transportSubsystem,
		Name:      "dial_failures_total",
		Help:      "Total number of failed dial attempts",
	})

	// PendingRetries is the size of the deferred retry list.
	PendingRetries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: METRICS_NAMESPACE,
		Subsystem: transportSubsystem,
		Name:      "pending_retries",
		Help:      "Number of peers waiting for a deferred re-dial",
	})

	// ConnectionsRejected counts inbound sockets dropped before a link was
	// registered.  Labels: reason
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: METRICS_NAMESPACE,
		Subsystem: transportSubsystem,
		Name:      "connections_rejected_total",
		Help:      "Total number of inbound connections rejected",
	}, []string{"reason"})
)

func init() {
	Registry.MustRegister(LinksActive, LinkFailures, FramesSent, FramesReceived,
		DialFailures, PendingRetries, ConnectionsRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// MetricsHandler exposes Registry in the prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
