package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/ids"
	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/notify"
	"github.com/elskow/warden/internal/store"
)

const defaultProvisioningRetries = 5

type RegisterRequest struct {
	Email            string
	Password         string
	OrganizationName string
	Phone            string
}

type Registration struct {
	UserID  string
	Status  model.UserStatus
	Session *Session
}

// RegisterWithPendingOrganization creates the user in pending_provisioning
// together with the outbox message that will create its organization, then
// returns a session for the default application right away. The organization
// is attached later by the outbox processor.
//
// Once the write commits the registration stands. If no session can be minted
// afterwards (the default application is allowlisted, say) the Registration
// is returned without one and the user logs in normally.
func (s *Service) RegisterWithPendingOrganization(ctx context.Context, req RegisterRequest) (*Registration, error) {
	now := s.now()
	email := model.NormalizeEmail(req.Email)

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		ID:           ids.NewUUID(),
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		Status:       model.UserStatusPendingProvisioning,
	}

	payload, err := json.Marshal(model.ProvisionOrganizationPayload{
		UserID:           user.ID,
		OrganizationName: req.OrganizationName,
		Email:            email,
		Phone:            req.Phone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode provisioning payload: %w", err)
	}

	maxRetries := s.config.ProvisioningMaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultProvisioningRetries
	}
	msg := &model.OutboxMessage{
		ID:              ids.NewULID(),
		Type:            model.OutboxTypeProvisionOrganization,
		Payload:         string(payload),
		RelatedEntityID: user.ID,
		CreatedAt:       now,
		MaxRetries:      maxRetries,
		CorrelationID:   ids.NewULID(),
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Users().Create(ctx, user); err != nil {
			return err
		}
		return tx.Outbox().Create(ctx, msg)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	s.log.Info("user registered, organization pending",
		zap.String("user_id", user.ID),
		zap.String("outbox_id", msg.ID),
		zap.String("correlation_id", msg.CorrelationID))

	_ = s.notifier.Notify(ctx, notify.VerificationMessage(email, s.verificationLink(user.ID)))

	registration := &Registration{UserID: user.ID, Status: user.Status}
	session, err := s.issueSession(ctx, user, s.application(""), sessionScope{skipOrganizationCheck: true}, now)
	if err != nil {
		s.log.Warn("user registered without session",
			zap.String("user_id", user.ID),
			zap.Error(err))
		return registration, nil
	}
	registration.Session = session
	return registration, nil
}

func (s *Service) verificationLink(userID string) string {
	if s.config.VerificationURL == "" {
		return ""
	}
	u, err := url.Parse(s.config.VerificationURL)
	if err != nil {
		s.log.Warn("invalid verification url", zap.Error(err))
		return ""
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()
	return u.String()
}
