package fsm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fieldsync_backend/platform/apperr"
)

// Well-known custom field names this system writes back to FSM jobs.
// They must exist upstream; the registry fails fast when one is missing.
const (
	FieldBillingStage        = "billing stage"
	FieldMarginRisk          = "margin risk"
	FieldPaymentReview       = "payment review"
	FieldChangeOrderRequired = "change order required"
)

var requiredFields = []string{
	FieldBillingStage,
	FieldMarginRisk,
	FieldPaymentReview,
	FieldChangeOrderRequired,
}

const listCustomFieldsQuery = `query ListCustomFields {
  customFieldConfigurations {
    nodes { id name appliesTo }
  }
}`

// FieldRegistry resolves custom-field names to upstream field ids.
// The mapping is fetched once and cached for a fixed TTL rather than being
// looked up ad hoc per write.
type FieldRegistry struct {
	client *Client
	ttl    time.Duration

	mu        sync.RWMutex
	byName    map[string]string
	fetchedAt time.Time
}

// NewFieldRegistry creates a registry backed by the given client.
func NewFieldRegistry(client *Client, ttl time.Duration) *FieldRegistry {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &FieldRegistry{client: client, ttl: ttl}
}

// Warm fetches the field mapping and verifies every required field exists.
// Called once at startup so a misconfigured upstream fails fast.
func (r *FieldRegistry) Warm(ctx context.Context) error {
	if err := r.refresh(ctx); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range requiredFields {
		if _, ok := r.byName[name]; !ok {
			return apperr.Internal(fmt.Sprintf("required custom field %q not configured upstream", name))
		}
	}
	return nil
}

// FieldID returns the upstream id for a custom field name, refreshing the
// cache when it has passed its TTL.
func (r *FieldRegistry) FieldID(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	stale := time.Since(r.fetchedAt) > r.ttl
	id, ok := r.byName[strings.ToLower(name)]
	r.mu.RUnlock()

	if ok && !stale {
		return id, nil
	}

	if stale {
		if err := r.refresh(ctx); err != nil {
			// A stale mapping beats a failed write when upstream is flaky.
			if ok {
				return id, nil
			}
			return "", err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok = r.byName[strings.ToLower(name)]
	if !ok {
		return "", apperr.Internal(fmt.Sprintf("custom field %q not configured upstream", name))
	}
	return id, nil
}

func (r *FieldRegistry) refresh(ctx context.Context) error {
	var result struct {
		CustomFieldConfigurations struct {
			Nodes []CustomFieldDef `json:"nodes"`
		} `json:"customFieldConfigurations"`
	}
	if err := r.client.Do(ctx, "ListCustomFields", listCustomFieldsQuery, nil, &result); err != nil {
		return err
	}

	byName := make(map[string]string, len(result.CustomFieldConfigurations.Nodes))
	for _, def := range result.CustomFieldConfigurations.Nodes {
		byName[strings.ToLower(def.Name)] = def.ID
	}

	r.mu.Lock()
	r.byName = byName
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	return nil
}
