// Package export writes snapshots to files other tools pick up: a
// Prometheus textfile for node_exporter and a (compressed) JSON document.
package export

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/gputop/internal/device"
	"github.com/skobkin/gputop/internal/metric"
	"github.com/skobkin/gputop/internal/snapshot"
)

const namespace = "gputop"

// Source yields the snapshot to export. *snapshot.Manager satisfies it.
type Source interface {
	Latest() (snapshot.Snapshot, bool)
}

// Static wraps a single snapshot as a Source.
type Static snapshot.Snapshot

// Latest implements Source.
func (s Static) Latest() (snapshot.Snapshot, bool) {
	return snapshot.Snapshot(s), true
}

type snapshotCollector struct {
	source    Source
	devices   []deviceMetric
	processes *prometheus.Desc
	timestamp *prometheus.Desc
	age       *prometheus.Desc
	issues    *prometheus.Desc
	now       func() time.Time
}

type deviceMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(d device.Snapshot) (float64, bool)
}

// NewCollector exposes the latest snapshot of source as gauges.
func NewCollector(source Source) prometheus.Collector {
	c := &snapshotCollector{source: source, now: time.Now}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "gpu", name),
			help,
			[]string{"gpu", "uuid"},
			nil,
		)
	}
	number := func(pick func(d device.Snapshot) metric.Value) func(device.Snapshot) (float64, bool) {
		return func(d device.Snapshot) (float64, bool) {
			return reading(pick(d))
		}
	}
	bytes := func(pick func(d device.Snapshot) metric.Value) func(device.Snapshot) (float64, bool) {
		return func(d device.Snapshot) (float64, bool) {
			return bytesOf(pick(d))
		}
	}

	c.devices = []deviceMetric{
		{
			desc:      desc("temperature_celsius", "Current GPU temperature in Celsius."),
			valueType: prometheus.GaugeValue,
			extract:   number(func(d device.Snapshot) metric.Value { return d.Temperature.Current }),
		},
		{
			desc:      desc("slowdown_temperature_celsius", "Temperature at which the GPU starts throttling."),
			valueType: prometheus.GaugeValue,
			extract:   number(func(d device.Snapshot) metric.Value { return d.Temperature.Slowdown }),
		},
		{
			desc:      desc("power_watts", "Current GPU power draw in Watts."),
			valueType: prometheus.GaugeValue,
			extract:   number(func(d device.Snapshot) metric.Value { return d.Power.Draw }),
		},
		{
			desc:      desc("power_limit_watts", "Enforced power limit in Watts."),
			valueType: prometheus.GaugeValue,
			extract:   number(func(d device.Snapshot) metric.Value { return d.Power.Limit }),
		},
		{
			desc:      desc("utilization_percent", "Graphics engine utilization percentage."),
			valueType: prometheus.GaugeValue,
			extract:   number(func(d device.Snapshot) metric.Value { return d.Utilization.GPU }),
		},
		{
			desc:      desc("memory_utilization_percent", "Memory controller utilization percentage."),
			valueType: prometheus.GaugeValue,
			extract:   number(func(d device.Snapshot) metric.Value { return d.Utilization.Memory }),
		},
		{
			desc:      desc("memory_used_bytes", "Framebuffer memory in use in bytes."),
			valueType: prometheus.GaugeValue,
			extract:   bytes(func(d device.Snapshot) metric.Value { return d.Memory.Used }),
		},
		{
			desc:      desc("memory_total_bytes", "Framebuffer memory capacity in bytes."),
			valueType: prometheus.GaugeValue,
			extract:   bytes(func(d device.Snapshot) metric.Value { return d.Memory.Total }),
		},
	}

	c.processes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "used_memory_bytes"),
		"GPU memory used by a process in bytes.",
		[]string{"gpu", "pid", "uid", "container"},
		nil,
	)
	c.timestamp = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "snapshot", "timestamp_seconds"),
		"Unix timestamp of the exported snapshot.",
		nil, nil,
	)
	c.age = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "snapshot", "age_seconds"),
		"Seconds elapsed since the exported snapshot was taken.",
		nil, nil,
	)
	c.issues = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "snapshot", "issues"),
		"Readings that degraded to unavailable in the exported snapshot.",
		nil, nil,
	)
	return c
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.devices {
		ch <- m.desc
	}
	ch <- c.processes
	ch <- c.timestamp
	ch <- c.age
	ch <- c.issues
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	snap, ok := c.source.Latest()
	if !ok {
		return
	}

	for _, d := range snap.Devices {
		gpu := strconv.Itoa(d.Index)
		for _, m := range c.devices {
			value, ok := m.extract(d)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, value, gpu, d.UUID)
		}
	}

	// A pid can be listed once per context type; keep the largest reading.
	type processKey struct{ gpu, pid int }
	seen := make(map[processKey]float64, len(snap.Processes))
	var order []snapshot.Process
	for _, p := range snap.Processes {
		value, ok := bytesOf(p.UsedMemory)
		if !ok {
			continue
		}
		key := processKey{p.DeviceIndex, p.PID}
		prev, dup := seen[key]
		if !dup {
			order = append(order, p)
		}
		if !dup || value > prev {
			seen[key] = value
		}
	}
	for _, p := range order {
		ch <- prometheus.MustNewConstMetric(c.processes, prometheus.GaugeValue, seen[processKey{p.DeviceIndex, p.PID}],
			strconv.Itoa(p.DeviceIndex), strconv.Itoa(p.PID), strconv.Itoa(p.UID), containerLabel(p))
	}

	if !snap.Timestamp.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.timestamp, prometheus.GaugeValue, float64(snap.Timestamp.Unix()))
		age := c.now().Sub(snap.Timestamp).Seconds()
		if age < 0 {
			age = 0
		}
		ch <- prometheus.MustNewConstMetric(c.age, prometheus.GaugeValue, age)
	}
	ch <- prometheus.MustNewConstMetric(c.issues, prometheus.GaugeValue, float64(len(snap.Issues)))
}

func containerLabel(p snapshot.Process) string {
	if p.Container == nil {
		return ""
	}
	if p.Container.Name != "" {
		return p.Container.Name
	}
	return p.Container.ShortID()
}

var byteUnits = map[string]float64{
	"B":   1,
	"KiB": 1 << 10,
	"MiB": 1 << 20,
	"GiB": 1 << 30,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
}

// reading drops unavailable values and the integer -1 sentinel.
func reading(v metric.Value) (float64, bool) {
	if !v.Reported() {
		return 0, false
	}
	return v.Float64()
}

// bytesOf converts a memory reading to bytes. Unknown units are skipped.
func bytesOf(v metric.Value) (float64, bool) {
	n, ok := reading(v)
	if !ok {
		return 0, false
	}
	scale, ok := byteUnits[v.Unit()]
	if !ok {
		return 0, false
	}
	return n * scale, true
}

// WriteTextfile renders the latest snapshot of source in the Prometheus text
// format at path. The file is replaced atomically.
func WriteTextfile(path string, source Source) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(source)); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write textfile %s: %w", path, err)
	}
	return nil
}
