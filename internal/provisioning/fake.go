package provisioning

import (
	"context"
	"fmt"
	"sync"

	"github.com/elskow/warden/internal/ids"
)

// Fake is an in-memory Client keyed by idempotency key. Local development
// runs against it when no provisioning service is configured.
type Fake struct {
	mu    sync.Mutex
	orgs  map[string]Organization
	calls int
	// Fail, when set, is returned by the next call and then cleared.
	Fail error
}

var _ Client = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{orgs: make(map[string]Organization)}
}

func (f *Fake) ProvisionOrganization(ctx context.Context, req Request, idempotencyKey string) (Organization, error) {
	if err := ctx.Err(); err != nil {
		return Organization{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.Fail != nil {
		err := f.Fail
		f.Fail = nil
		return Organization{}, err
	}

	if org, ok := f.orgs[idempotencyKey]; ok {
		return org, nil
	}
	id := ids.NewUUID()
	org := Organization{ID: id, Code: "ORG-" + id[:8], Name: req.Name}
	f.orgs[idempotencyKey] = org
	return org, nil
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Organizations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orgs)
}
