package fsm

import (
	"context"
	"strings"
	"time"
)

// Read operations.

const getQuoteQuery = `query GetQuote($id: ID!) {
  quote(id: $id) {
    id clientId status jobId convertedToId amounts createdAt approvedAt
    lineItems { id name description category quantity unitCost }
  }
}`

// GetQuote fetches a quote with its line items.
func (c *Client) GetQuote(ctx context.Context, id string) (Quote, error) {
	var result struct {
		Quote *Quote `json:"quote"`
	}
	if err := c.Do(ctx, "GetQuote", getQuoteQuery, map[string]any{"id": id}, &result); err != nil {
		return Quote{}, err
	}
	if result.Quote == nil {
		return Quote{}, notFound("quote", id)
	}
	return *result.Quote, nil
}

const getJobQuery = `query GetJob($id: ID!) {
  job(id: $id) {
    id clientId title jobType status total lotSizeSqft crewSize visitsPlanned createdAt
    lineItems { id name description category quantity unitCost }
  }
}`

// GetJob fetches a job with its line items.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var result struct {
		Job *Job `json:"job"`
	}
	if err := c.Do(ctx, "GetJob", getJobQuery, map[string]any{"id": id}, &result); err != nil {
		return Job{}, err
	}
	if result.Job == nil {
		return Job{}, notFound("job", id)
	}
	return *result.Job, nil
}

const getRecentJobsQuery = `query GetRecentClientJobs($clientId: ID!, $createdAfter: ISO8601DateTime!) {
  client(id: $clientId) {
    jobs(filter: {createdAfter: $createdAfter}, sort: {key: CREATED_AT, direction: ASCENDING}) {
      nodes { id createdAt }
    }
  }
}`

// GetRecentClientJobs lists a client's jobs created after the given time,
// oldest first. Used by the quote-to-job resolution heuristic.
func (c *Client) GetRecentClientJobs(ctx context.Context, clientID string, createdAfter time.Time) ([]RecentJob, error) {
	var result struct {
		Client *struct {
			Jobs struct {
				Nodes []RecentJob `json:"nodes"`
			} `json:"jobs"`
		} `json:"client"`
	}
	vars := map[string]any{"clientId": clientID, "createdAfter": createdAfter.UTC().Format(time.RFC3339)}
	if err := c.Do(ctx, "GetRecentClientJobs", getRecentJobsQuery, vars, &result); err != nil {
		return nil, err
	}
	if result.Client == nil {
		return nil, notFound("client", clientID)
	}
	return result.Client.Jobs.Nodes, nil
}

const getVisitQuery = `query GetVisit($id: ID!) {
  visit(id: $id) {
    id jobId status startAt endAt durationMins timeLoggedMins crewSize
  }
}`

// GetVisit fetches a visit.
func (c *Client) GetVisit(ctx context.Context, id string) (Visit, error) {
	var result struct {
		Visit *Visit `json:"visit"`
	}
	if err := c.Do(ctx, "GetVisit", getVisitQuery, map[string]any{"id": id}, &result); err != nil {
		return Visit{}, err
	}
	if result.Visit == nil {
		return Visit{}, notFound("visit", id)
	}
	return *result.Visit, nil
}

const getInvoiceQuery = `query GetInvoice($id: ID!) {
  invoice(id: $id) {
    id jobId clientId subject total paidTotal balance status issuedAt
  }
}`

// GetInvoice fetches an invoice.
func (c *Client) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	var result struct {
		Invoice *Invoice `json:"invoice"`
	}
	if err := c.Do(ctx, "GetInvoice", getInvoiceQuery, map[string]any{"id": id}, &result); err != nil {
		return Invoice{}, err
	}
	if result.Invoice == nil {
		return Invoice{}, notFound("invoice", id)
	}
	return *result.Invoice, nil
}

const getInvoicePaymentsQuery = `query GetInvoicePayments($id: ID!) {
  invoice(id: $id) {
    paymentRecords { nodes { id amount method label receivedAt } }
  }
}`

// GetInvoicePayments lists the individual payment records on an invoice.
func (c *Client) GetInvoicePayments(ctx context.Context, invoiceID string) ([]Payment, error) {
	var result struct {
		Invoice *struct {
			PaymentRecords struct {
				Nodes []Payment `json:"nodes"`
			} `json:"paymentRecords"`
		} `json:"invoice"`
	}
	if err := c.Do(ctx, "GetInvoicePayments", getInvoicePaymentsQuery, map[string]any{"id": invoiceID}, &result); err != nil {
		return nil, err
	}
	if result.Invoice == nil {
		return nil, notFound("invoice", invoiceID)
	}
	return result.Invoice.PaymentRecords.Nodes, nil
}

// Write operations. All external writes are fire-and-forget with best-effort
// confirmation; callers treat secondary write failures as non-fatal.

const updateJobLineItemsMutation = `mutation UpdateJobLineItems($jobId: ID!, $lineItems: [JobLineItemInput!]!) {
  jobEditLineItems(jobId: $jobId, input: {lineItems: $lineItems}) {
    job { id }
    userErrors { message }
  }
}`

// UpdateJobLineItems replaces the job's line items.
func (c *Client) UpdateJobLineItems(ctx context.Context, jobID string, items []LineItemInput) error {
	var result struct {
		JobEditLineItems struct {
			UserErrors []struct {
				Message string `json:"message"`
			} `json:"userErrors"`
		} `json:"jobEditLineItems"`
	}
	vars := map[string]any{"jobId": jobID, "lineItems": items}
	if err := c.Do(ctx, "UpdateJobLineItems", updateJobLineItemsMutation, vars, &result); err != nil {
		return err
	}
	return userErrors("UpdateJobLineItems", collectMessages(result.JobEditLineItems.UserErrors))
}

const setCustomFieldMutation = `mutation SetJobCustomField($jobId: ID!, $fieldId: ID!, $value: String!) {
  jobEditCustomField(jobId: $jobId, customFieldId: $fieldId, value: $value) {
    userErrors { message }
  }
}`

// SetJobCustomField writes a custom-field value onto a job. The fieldID must
// come from the Fields registry.
func (c *Client) SetJobCustomField(ctx context.Context, jobID, fieldID, value string) error {
	var result struct {
		JobEditCustomField struct {
			UserErrors []struct {
				Message string `json:"message"`
			} `json:"userErrors"`
		} `json:"jobEditCustomField"`
	}
	vars := map[string]any{"jobId": jobID, "fieldId": fieldID, "value": value}
	if err := c.Do(ctx, "SetJobCustomField", setCustomFieldMutation, vars, &result); err != nil {
		return err
	}
	return userErrors("SetJobCustomField", collectMessages(result.JobEditCustomField.UserErrors))
}

const addJobNoteMutation = `mutation AddJobNote($jobId: ID!, $note: String!) {
  jobCreateNote(jobId: $jobId, input: {message: $note}) {
    userErrors { message }
  }
}`

// AddJobNote attaches a note to a job.
func (c *Client) AddJobNote(ctx context.Context, jobID, note string) error {
	var result struct {
		JobCreateNote struct {
			UserErrors []struct {
				Message string `json:"message"`
			} `json:"userErrors"`
		} `json:"jobCreateNote"`
	}
	vars := map[string]any{"jobId": jobID, "note": note}
	if err := c.Do(ctx, "AddJobNote", addJobNoteMutation, vars, &result); err != nil {
		return err
	}
	return userErrors("AddJobNote", collectMessages(result.JobCreateNote.UserErrors))
}

const createInvoiceMutation = `mutation CreateInvoice($input: InvoiceCreateInput!) {
  invoiceCreate(input: $input) {
    invoice { id jobId clientId subject total paidTotal balance status issuedAt }
    userErrors { message }
  }
}`

// CreateInvoice creates an invoice and returns its typed result.
func (c *Client) CreateInvoice(ctx context.Context, input InvoiceInput) (Invoice, error) {
	var result struct {
		InvoiceCreate struct {
			Invoice    *Invoice `json:"invoice"`
			UserErrors []struct {
				Message string `json:"message"`
			} `json:"userErrors"`
		} `json:"invoiceCreate"`
	}
	if err := c.Do(ctx, "CreateInvoice", createInvoiceMutation, map[string]any{"input": input}, &result); err != nil {
		return Invoice{}, err
	}
	if err := userErrors("CreateInvoice", collectMessages(result.InvoiceCreate.UserErrors)); err != nil {
		return Invoice{}, err
	}
	if result.InvoiceCreate.Invoice == nil {
		return Invoice{}, malformed("CreateInvoice", "mutation returned no invoice")
	}
	return *result.InvoiceCreate.Invoice, nil
}

const sendInvoiceMutation = `mutation SendInvoice($id: ID!) {
  invoiceSend(invoiceId: $id) {
    userErrors { message }
  }
}`

// SendInvoice emails the invoice to the client through the FSM.
func (c *Client) SendInvoice(ctx context.Context, invoiceID string) error {
	var result struct {
		InvoiceSend struct {
			UserErrors []struct {
				Message string `json:"message"`
			} `json:"userErrors"`
		} `json:"invoiceSend"`
	}
	if err := c.Do(ctx, "SendInvoice", sendInvoiceMutation, map[string]any{"id": invoiceID}, &result); err != nil {
		return err
	}
	return userErrors("SendInvoice", collectMessages(result.InvoiceSend.UserErrors))
}

func collectMessages(errs []struct {
	Message string `json:"message"`
}) []string {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
