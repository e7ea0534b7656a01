// Package metrics holds the OpenTelemetry instruments of the call pipeline.
// No exporter is installed here; the host process may set a global
// MeterProvider before the pipeline is built.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "crm-callsync/pipeline"

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Counter is a nil-safe wrapper around an Int64Counter.
type Counter struct {
	c metric.Int64Counter
}

func (c Counter) Add(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if c.c == nil || n <= 0 {
		return
	}
	if len(attrs) > 0 {
		c.c.Add(ctx, n, metric.WithAttributes(attrs...))
		return
	}
	c.c.Add(ctx, n)
}

func (c Counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) { c.Add(ctx, 1, attrs...) }

// Pipeline groups the counters shared by the upload, sync and action workers.
type Pipeline struct {
	meter metric.Meter

	RecordingsUploaded Counter
	RecordingsFailed   Counter
	CallLogsSynced     Counter
	CallLogsDuplicate  Counter
	CallLogsFailed     Counter
	ActionsProcessed   Counter
	ActionsDropped     Counter
	FolderUploaded     Counter
	FolderFailed       Counter
}

// New registers the pipeline instruments on the meter provider. A nil
// provider means the global one.
func New(mp metric.MeterProvider) *Pipeline {
	var meter metric.Meter
	if mp == nil {
		meter = Meter(meterName)
	} else {
		meter = mp.Meter(meterName)
	}
	counter := func(name, desc string) Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return Counter{c: c}
	}
	return &Pipeline{
		meter:              meter,
		RecordingsUploaded: counter("callsync.recordings.uploaded", "Call recordings uploaded and completed"),
		RecordingsFailed:   counter("callsync.recordings.failed", "Call recording upload attempts that failed"),
		CallLogsSynced:     counter("callsync.calllogs.synced", "Call log entries accepted by the server"),
		CallLogsDuplicate:  counter("callsync.calllogs.duplicate", "Call log entries the server already had"),
		CallLogsFailed:     counter("callsync.calllogs.failed", "Call log entries that failed to sync"),
		ActionsProcessed:   counter("callsync.actions.processed", "Offline lead actions delivered"),
		ActionsDropped:     counter("callsync.actions.dropped", "Offline lead actions dropped after exhausting retries"),
		FolderUploaded:     counter("callsync.folder.uploaded", "Folder recordings uploaded"),
		FolderFailed:       counter("callsync.folder.failed", "Folder recordings that failed to upload"),
	}
}

// Nop returns counters that record nothing.
func Nop() *Pipeline { return &Pipeline{} }

// RegisterDepth registers an observable gauge reporting a queue depth. Read
// errors skip the observation.
func (p *Pipeline) RegisterDepth(name, desc string, read func(ctx context.Context) (int64, error)) error {
	if p == nil || p.meter == nil {
		return nil
	}
	_, err := p.meter.Int64ObservableGauge(name,
		metric.WithDescription(desc),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := read(ctx)
			if err != nil {
				return nil
			}
			o.Observe(n)
			return nil
		}),
	)
	return err
}
