package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/intel-pipeline/internal/domain"
)

type AuditRepo struct {
	mu      sync.RWMutex
	entries []domain.AdminActionAudit
}

func NewAuditRepo() *AuditRepo {
	return &AuditRepo{}
}

func (r *AuditRepo) Record(_ context.Context, a domain.AdminActionAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ResultingJobID != nil {
		id := *a.ResultingJobID
		a.ResultingJobID = &id
	}
	r.entries = append(r.entries, a)
	return nil
}

// List — записи от новых к старым; пустой agentID — все.
func (r *AuditRepo) List(_ context.Context, agentID string, limit int) ([]domain.AdminActionAudit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AdminActionAudit, 0)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if agentID != "" && r.entries[i].TargetAgent != agentID {
			continue
		}
		out = append(out, r.entries[i])
	}
	return out, nil
}

// ItemRepo хранит исходы по элементам.
type ItemRepo struct {
	mu       sync.Mutex
	outcomes []domain.ItemOutcome
}

func NewItemRepo() *ItemRepo {
	return &ItemRepo{}
}

func (r *ItemRepo) WriteBatch(_ context.Context, outcomes []domain.ItemOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcomes...)
	return nil
}

func (r *ItemRepo) All() []domain.ItemOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ItemOutcome(nil), r.outcomes...)
}
