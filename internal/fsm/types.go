package fsm

import "time"

// LineItem is a quote or job line item. Money values are in cents.
type LineItem struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	Category       string  `json:"category"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unitCost"`
}

// TotalCents returns quantity times unit price, rounded to whole cents.
func (li LineItem) TotalCents() int64 {
	return int64(li.Quantity*float64(li.UnitPriceCents) + 0.5)
}

// Quote is the typed result of GetQuote.
type Quote struct {
	ID            string     `json:"id"`
	ClientID      string     `json:"clientId"`
	Status        string     `json:"status"` // draft, awaiting_response, approved, archived
	JobID         string     `json:"jobId"`          // direct link, may be empty
	ConvertedToID string     `json:"convertedToId"`  // converted-to link, may be empty
	TotalCents    int64      `json:"amounts"`
	LineItems     []LineItem `json:"lineItems"`
	CreatedAt     time.Time  `json:"createdAt"`
	ApprovedAt    *time.Time `json:"approvedAt,omitempty"`
}

// Approved reports whether the quote has been approved by the client.
func (q Quote) Approved() bool {
	return q.Status == "approved" || q.ApprovedAt != nil
}

// Job is the typed result of GetJob.
type Job struct {
	ID           string     `json:"id"`
	ClientID     string     `json:"clientId"`
	Title        string     `json:"title"`
	JobType      string     `json:"jobType"` // e.g. "Weekly Mowing", "Spring Cleanup"
	Status       string     `json:"status"`
	TotalCents   int64      `json:"total"`
	LineItems    []LineItem `json:"lineItems"`
	LotSizeSqft  float64    `json:"lotSizeSqft"` // 0 when the property has no measurement
	CrewSize     int        `json:"crewSize"`    // 0 when unassigned
	VisitsPlanned int       `json:"visitsPlanned"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// RecentJob is a compact job reference used when resolving a quote to a job
// through the client's recent jobs.
type RecentJob struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Visit is the typed result of GetVisit.
type Visit struct {
	ID             string     `json:"id"`
	JobID          string     `json:"jobId"`
	Status         string     `json:"status"`
	StartAt        *time.Time `json:"startAt,omitempty"`
	EndAt          *time.Time `json:"endAt,omitempty"`
	DurationMins   int        `json:"durationMins"`
	TimeLoggedMins int        `json:"timeLoggedMins"`
	CrewSize       int        `json:"crewSize"`
}

// Invoice is the typed result of GetInvoice and CreateInvoice.
type Invoice struct {
	ID              string    `json:"id"`
	JobID           string    `json:"jobId"`
	ClientID        string    `json:"clientId"`
	Subject         string    `json:"subject"`
	TotalCents      int64     `json:"total"`
	PaidTotalCents  int64     `json:"paidTotal"`
	BalanceCents    int64     `json:"balance"`
	Status          string    `json:"status"`
	IssuedAt        time.Time `json:"issuedAt"`
}

// Payment is a single payment record attached to an invoice.
type Payment struct {
	ID          string    `json:"id"`
	AmountCents int64     `json:"amount"`
	Method      string    `json:"method"`
	Label       string    `json:"label"` // e.g. "deposit", free-form note
	ReceivedAt  time.Time `json:"receivedAt"`
}

// IsDeposit reports whether the payment is tagged as a deposit.
func (p Payment) IsDeposit() bool {
	return containsFold(p.Label, "deposit") || containsFold(p.Method, "deposit")
}

// LineItemInput is the write shape for UpdateJobLineItems.
type LineItemInput struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unitCost"`
}

// InvoiceInput is the write shape for CreateInvoice.
type InvoiceInput struct {
	JobID       string `json:"jobId"`
	ClientID    string `json:"clientId"`
	Subject     string `json:"subject"`
	AmountCents int64  `json:"amount"`
}

// CustomFieldDef describes a configurable custom field on the FSM side.
type CustomFieldDef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Scope string `json:"appliesTo"` // "JOB" or "CLIENT"
}
