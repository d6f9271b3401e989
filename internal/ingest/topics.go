package ingest

import (
	"encoding/json"
	"strings"
)

// Webhook topics in the FSM's vocabulary. Only topics in the allow-list are
// processed; everything else is acknowledged and recorded as skipped.
const (
	TopicClientCreate   = "CLIENT_CREATE"
	TopicClientUpdate   = "CLIENT_UPDATE"
	TopicPropertyCreate = "PROPERTY_CREATE"
	TopicPropertyUpdate = "PROPERTY_UPDATE"
	TopicQuoteCreate    = "QUOTE_CREATE"
	TopicQuoteUpdate    = "QUOTE_UPDATED"
	TopicQuoteApproved  = "QUOTE_APPROVED"
	TopicJobCreate      = "JOB_CREATE"
	TopicJobScheduled   = "JOB_SCHEDULED"
	TopicJobStarted     = "JOB_STARTED"
	TopicJobUpdate      = "JOB_UPDATE"
	TopicJobCompleted   = "JOB_COMPLETED"
	TopicVisitCreate    = "VISIT_CREATE"
	TopicVisitCompleted = "VISIT_COMPLETED"
	TopicInvoiceCreate  = "INVOICE_CREATE"
	TopicInvoiceUpdate  = "INVOICE_UPDATE"
	TopicInvoicePaid    = "INVOICE_PAID"
	TopicPaymentCreated = "PAYMENT_CREATED"
)

// QueueFor maps a topic to its engine-family queue. Each queue is drained by
// a single sequential worker, so all events for a family process in order.
const (
	QueueQuotes   = "quotes"
	QueueJobs     = "jobs"
	QueueVisits   = "visits"
	QueueInvoices = "invoices"
)

var topicQueues = map[string]string{
	TopicQuoteUpdate:    QueueQuotes,
	TopicQuoteApproved:  QueueQuotes,
	TopicJobCreate:      QueueJobs,
	TopicJobScheduled:   QueueJobs,
	TopicJobStarted:     QueueJobs,
	TopicJobUpdate:      QueueJobs,
	TopicJobCompleted:   QueueJobs,
	TopicVisitCreate:    QueueVisits,
	TopicVisitCompleted: QueueVisits,
	TopicInvoiceCreate:  QueueInvoices,
	TopicInvoiceUpdate:  QueueInvoices,
	TopicInvoicePaid:    QueueInvoices,
	TopicPaymentCreated: QueueInvoices,
}

// Supported reports whether the topic is in the processing allow-list.
func Supported(topic string) bool {
	_, ok := topicQueues[topic]
	return ok
}

// QueueFor returns the family queue for a supported topic.
func QueueFor(topic string) (string, bool) {
	q, ok := topicQueues[topic]
	return q, ok
}

// Queues lists all family queues.
func Queues() []string {
	return []string{QueueQuotes, QueueJobs, QueueVisits, QueueInvoices}
}

// ObjectIDUnknown is recorded when no object id can be extracted; processing
// proceeds best-effort.
const ObjectIDUnknown = "unknown"

// idFieldsByPrefix maps a topic prefix to the payload fields that may carry
// the object id, in priority order.
var idFieldsByPrefix = map[string][]string{
	"QUOTE":   {"quoteId", "id"},
	"JOB":     {"jobId", "id"},
	"VISIT":   {"visitId", "id"},
	"INVOICE": {"invoiceId", "id"},
	"PAYMENT": {"invoiceId", "paymentId", "id"},
	"CLIENT":  {"clientId", "id"},
	"PROPERTY": {"propertyId", "id"},
}

// ExtractObjectID pulls the external object id for the event. Preference
// order: the explicit resourceId field, a topic-specific id field in the data
// object, then the trailing path segment of a resource locator URL.
func ExtractObjectID(topic, resourceID string, data json.RawMessage) string {
	if resourceID != "" {
		return resourceID
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return ObjectIDUnknown
	}

	prefix := topic
	if idx := strings.IndexByte(topic, '_'); idx > 0 {
		prefix = topic[:idx]
	}
	for _, key := range idFieldsByPrefix[prefix] {
		if id, ok := fields[key].(string); ok && id != "" {
			return id
		}
	}

	if locator, ok := fields["resourceUrl"].(string); ok {
		if id := trailingSegment(locator); id != "" {
			return id
		}
	}

	return ObjectIDUnknown
}

func trailingSegment(locator string) string {
	trimmed := strings.TrimRight(locator, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 && idx+1 < len(trimmed) {
		return trimmed[idx+1:]
	}
	return ""
}
