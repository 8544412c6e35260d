// Package metrics exposes a node's counters as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pmonclus/sds/pkg/sds"
)

// Collector exports a Node's statistics on every scrape. Counter reads are
// atomic snapshots; the table and slot gauges are sampled without locks and
// may lag the engine loop by one tick.
type Collector struct {
	node *sds.Node

	messagesSent     *prometheus.Desc
	messagesReceived *prometheus.Desc
	reconnects       *prometheus.Desc
	errors           *prometheus.Desc
	tables           *prometheus.Desc
	devices          *prometheus.Desc

	// deviceTables are the owner tables whose slot counts are exported.
	deviceTables []string
}

// NewCollector creates a collector for the given node. tableTypes lists the
// owner tables whose valid-slot counts should be exported per table.
func NewCollector(node *sds.Node, tableTypes ...string) *Collector {
	return &Collector{
		node: node,
		messagesSent: prometheus.NewDesc(
			"sds_messages_sent_total",
			"Total messages published by the sync engine",
			nil, prometheus.Labels{"node": node.ID()},
		),
		messagesReceived: prometheus.NewDesc(
			"sds_messages_received_total",
			"Total messages entering the inbound dispatcher",
			nil, prometheus.Labels{"node": node.ID()},
		),
		reconnects: prometheus.NewDesc(
			"sds_reconnects_total",
			"Transport reconnections after the initial connect",
			nil, prometheus.Labels{"node": node.ID()},
		),
		errors: prometheus.NewDesc(
			"sds_errors_total",
			"Asynchronous faults surfaced through the error callback",
			nil, prometheus.Labels{"node": node.ID()},
		),
		tables: prometheus.NewDesc(
			"sds_active_tables",
			"Active table registrations",
			nil, prometheus.Labels{"node": node.ID()},
		),
		devices: prometheus.NewDesc(
			"sds_devices",
			"Valid status slots per owner table",
			[]string{"table"}, prometheus.Labels{"node": node.ID()},
		),
		deviceTables: tableTypes,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesSent
	ch <- c.messagesReceived
	ch <- c.reconnects
	ch <- c.errors
	ch <- c.tables
	ch <- c.devices
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.node.Stats()
	ch <- prometheus.MustNewConstMetric(c.messagesSent, prometheus.CounterValue, float64(s.MessagesSent))
	ch <- prometheus.MustNewConstMetric(c.messagesReceived, prometheus.CounterValue, float64(s.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(s.ReconnectCount))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors))
	ch <- prometheus.MustNewConstMetric(c.tables, prometheus.GaugeValue, float64(c.node.TableCount()))
	for _, table := range c.deviceTables {
		ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue,
			float64(c.node.DeviceCount(table)), table)
	}
}

// Handler returns an HTTP handler serving the node's metrics on a private
// registry.
func Handler(node *sds.Node, tableTypes ...string) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(node, tableTypes...)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
