// metrics.go: OpenTelemetry instruments for a logger
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Version is reported as the instrumentation version.
const Version = "v0.1.0"

const (
	meterName = "styx"

	metricRecordsEnqueued = "styx.records.enqueued"
	metricRecordsDropped  = "styx.records.dropped"
	metricBytesWritten    = "styx.bytes.written"
	metricFlushes         = "styx.flushes"
	metricRollovers       = "styx.rollovers"
	metricQueueSize       = "styx.queue.size"

	attrFile = "file"
)

// metrics observes a logger's Stats on every collection. Nothing is
// recorded on the write path.
type metrics struct {
	registration metric.Registration
}

func newMetrics(provider metric.MeterProvider, file string, stats func() Stats) (*metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName, metric.WithInstrumentationVersion(Version))

	enqueued, err := meter.Int64ObservableCounter(metricRecordsEnqueued,
		metric.WithDescription("Records accepted by the queue"), metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64ObservableCounter(metricRecordsDropped,
		metric.WithDescription("Records dropped because the queue was full or the logger closed"), metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}
	written, err := meter.Int64ObservableCounter(metricBytesWritten,
		metric.WithDescription("Bytes flushed to the appender"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	flushes, err := meter.Int64ObservableCounter(metricFlushes,
		metric.WithDescription("Batches flushed to the appender"), metric.WithUnit("{flush}"))
	if err != nil {
		return nil, err
	}
	rollovers, err := meter.Int64ObservableCounter(metricRollovers,
		metric.WithDescription("File rollovers"), metric.WithUnit("{rollover}"))
	if err != nil {
		return nil, err
	}
	queued, err := meter.Int64ObservableGauge(metricQueueSize,
		metric.WithDescription("Records waiting in the queue"), metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributeSet(attribute.NewSet(attribute.String(attrFile, file)))
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(enqueued, clampInt64(s.Enqueued), attrs)
		o.ObserveInt64(dropped, clampInt64(s.Dropped), attrs)
		o.ObserveInt64(written, clampInt64(s.BytesWritten), attrs)
		o.ObserveInt64(flushes, clampInt64(s.Flushes), attrs)
		o.ObserveInt64(rollovers, clampInt64(s.Rollovers), attrs)
		o.ObserveInt64(queued, int64(s.QueueSize), attrs)
		return nil
	}, enqueued, dropped, written, flushes, rollovers, queued)
	if err != nil {
		return nil, err
	}
	return &metrics{registration: reg}, nil
}

func (m *metrics) close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
