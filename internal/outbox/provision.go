package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/provisioning"
	"github.com/elskow/warden/internal/store"
)

// ProvisionHandler creates the organization for a pending user and attaches
// the user to it.
type ProvisionHandler struct {
	client provisioning.Client
	log    *zap.Logger
}

func NewProvisionHandler(client provisioning.Client, log *zap.Logger) *ProvisionHandler {
	return &ProvisionHandler{client: client, log: log}
}

// Handle is safe to repeat: the message id is the idempotency key, and a
// user already attached to the returned organization is left alone.
func (h *ProvisionHandler) Handle(ctx context.Context, tx store.Store, msg *model.OutboxMessage) error {
	var payload model.ProvisionOrganizationPayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", provisioning.ErrPermanent, err)
	}
	if payload.UserID == "" {
		return fmt.Errorf("%w: payload has no user_id", provisioning.ErrPermanent)
	}

	user, err := tx.Users().GetByID(ctx, payload.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: user %s not found", provisioning.ErrPermanent, payload.UserID)
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}

	org, err := h.client.ProvisionOrganization(ctx, provisioning.Request{
		Name:        payload.OrganizationName,
		Email:       payload.Email,
		Phone:       payload.Phone,
		OwnerUserID: payload.UserID,
	}, msg.ID)
	if err != nil {
		return err
	}

	if user.OrganizationID != nil {
		if *user.OrganizationID == org.ID && user.Status == model.UserStatusActive {
			h.log.Info("user already provisioned",
				zap.String("user_id", user.ID),
				zap.String("organization_id", org.ID))
			return nil
		}
		if *user.OrganizationID != org.ID {
			return fmt.Errorf("%w: user %s already belongs to organization %s",
				provisioning.ErrPermanent, user.ID, *user.OrganizationID)
		}
	}

	if err := tx.Users().Activate(ctx, user.ID, org.ID); err != nil {
		return fmt.Errorf("failed to activate user: %w", err)
	}

	h.log.Info("organization provisioned",
		zap.String("user_id", user.ID),
		zap.String("organization_id", org.ID),
		zap.String("organization_code", org.Code),
		zap.String("correlation_id", msg.CorrelationID))
	return nil
}

// MarkFailed records on the user that provisioning gave up.
func (h *ProvisionHandler) MarkFailed(ctx context.Context, tx store.Store, msg *model.OutboxMessage) error {
	if msg.RelatedEntityID == "" {
		return nil
	}
	err := tx.Users().SetStatus(ctx, msg.RelatedEntityID, model.UserStatusProvisioningFailed)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
