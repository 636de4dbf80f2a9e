// Package observability provides OpenTelemetry tracing and metrics for the
// archive daemons. Both pipelines export over OTLP gRPC to a collector.
//
// # Setup
//
// Initialize a provider at startup and shut it down on exit:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "openarchive-core",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// A provider built with Enabled false is a no-op, so call sites never
// branch on whether telemetry is configured.
//
// # Operations
//
// Wrap a unit of work to get a span plus RED metrics in one call:
//
//	ctx, done := p.TrackOperation(ctx, "ingest.sync", observability.AttrOrgID.Int64(orgID))
//	defer func() { done(err) }()
//
// # Archive metrics
//
// Domain counters record what the archive actually did:
//
//	p.RecordIngest(ctx, stored, bytes, orgID)
//	p.RecordPurge(ctx, purged, domain)
//	p.RecordDegradedRead(ctx, missing)
//	p.RecordChainFailure(ctx, orgID)
//	p.RecordExport(ctx, format, failed)
package observability
