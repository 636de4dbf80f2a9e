package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Archive semantic convention attributes.
var (
	AttrOrgID     = attribute.Key("openarchive.org.id")
	AttrComponent = attribute.Key("openarchive.component")

	// Message attributes
	AttrMessageID = attribute.Key("openarchive.message.id")
	AttrBatchSize = attribute.Key("openarchive.batch.size")

	// Mail routing attributes
	AttrMailDomain = attribute.Key("openarchive.mail.domain")

	// Export attributes
	AttrExportID     = attribute.Key("openarchive.export.id")
	AttrExportFormat = attribute.Key("openarchive.export.format")

	// Retention and hold attributes
	AttrPolicyID = attribute.Key("openarchive.retention.policy_id")
	AttrHoldID   = attribute.Key("openarchive.hold.id")

	// Integrity attributes
	AttrIntegrityStatus = attribute.Key("openarchive.integrity.status")

	// Agent attributes
	AttrAgentName = attribute.Key("openarchive.agent.name")
)

// IngestOperation creates attributes for a sync batch.
func IngestOperation(orgID int64, batchSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrComponent.String("ingest"),
		AttrOrgID.Int64(orgID),
		AttrBatchSize.Int(batchSize),
	}
}

// RetrievalOperation creates attributes for a single-message read.
func RetrievalOperation(orgID int64, messageID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrComponent.String("retrieval"),
		AttrOrgID.Int64(orgID),
		AttrMessageID.String(messageID),
	}
}

// ExportOperation creates attributes for an export job.
func ExportOperation(orgID int64, exportID, format string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrComponent.String("export"),
		AttrOrgID.Int64(orgID),
		AttrExportID.String(exportID),
		AttrExportFormat.String(format),
	}
}

// RetentionOperation creates attributes for a purge over one domain.
func RetentionOperation(policyID int64, domain string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrComponent.String("retention"),
		AttrPolicyID.Int64(policyID),
		AttrMailDomain.String(domain),
	}
}

// RecordIngest counts messages durably captured for an organization,
// along with the ciphertext bytes written.
func (p *Provider) RecordIngest(ctx context.Context, stored int, bytes int64, orgID int64) {
	if stored <= 0 {
		return
	}
	attrs := metric.WithAttributes(AttrOrgID.Int64(orgID))
	if p.messagesIngested != nil {
		p.messagesIngested.Add(ctx, int64(stored), attrs)
	}
	if p.bytesArchived != nil && bytes > 0 {
		p.bytesArchived.Add(ctx, bytes, attrs)
	}
}

// RecordPurge counts messages permanently deleted under a domain.
func (p *Provider) RecordPurge(ctx context.Context, purged int, domain string) {
	if p.messagesPurged == nil || purged <= 0 {
		return
	}
	p.messagesPurged.Add(ctx, int64(purged), metric.WithAttributes(AttrMailDomain.String(domain)))
}

// RecordDegradedRead counts a retrieval served with one or more
// attachment payloads unavailable. Calls with missing <= 0 are ignored.
func (p *Provider) RecordDegradedRead(ctx context.Context, missing int) {
	if p.degradedReads == nil || missing <= 0 {
		return
	}
	p.degradedReads.Add(ctx, 1)
}

// RecordChainFailure counts an audit chain verification failure for an
// organization's ledger.
func (p *Provider) RecordChainFailure(ctx context.Context, orgID int64) {
	if p.chainFailures == nil {
		return
	}
	p.chainFailures.Add(ctx, 1, metric.WithAttributes(AttrOrgID.Int64(orgID)))
}

// RecordExport counts a finished export job. Jobs with per-message
// failures are tagged partial rather than complete.
func (p *Provider) RecordExport(ctx context.Context, format string, failed int) {
	if p.exportsFinished == nil {
		return
	}
	outcome := "complete"
	if failed > 0 {
		outcome = "partial"
	}
	p.exportsFinished.Add(ctx, 1, metric.WithAttributes(
		AttrExportFormat.String(format),
		attribute.String("outcome", outcome),
	))
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
