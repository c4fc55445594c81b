package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/store"
)

const defaultListLimit = 50

// Admin is the operator view of the outbox.
type Admin struct {
	store store.Store
	log   *zap.Logger
}

func NewAdmin(s store.Store, log *zap.Logger) *Admin {
	return &Admin{store: s, log: log}
}

func (a *Admin) ListFailed(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	msgs, err := a.store.Outbox().ListFailed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed messages: %w", err)
	}
	return msgs, nil
}

// Requeue makes a failed message eligible again with a fresh retry budget.
// A user marked provisioning_failed goes back to pending_provisioning.
func (a *Admin) Requeue(ctx context.Context, id string) error {
	err := a.store.WithinTx(ctx, func(tx store.Store) error {
		msg, err := tx.Outbox().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.Outbox().Requeue(ctx, id); err != nil {
			return err
		}

		if msg.Type != model.OutboxTypeProvisionOrganization || msg.RelatedEntityID == "" {
			return nil
		}
		user, err := tx.Users().GetByID(ctx, msg.RelatedEntityID)
		if err != nil {
			return err
		}
		if user.Status == model.UserStatusProvisioningFailed {
			return tx.Users().SetStatus(ctx, user.ID, model.UserStatusPendingProvisioning)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}

	a.log.Info("outbox message requeued", zap.String("id", id))
	return nil
}
