package mfa

import (
	"context"
	"errors"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/ids"
	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/store"
)

type Enrollment struct {
	Secret string
	URL    string
}

type Enroller struct {
	config   *config.MFAConfig
	store    store.Store
	box      *SecretBox
	verifier *Verifier
	log      *zap.Logger
}

func NewEnroller(cfg *config.MFAConfig, s store.Store, box *SecretBox, verifier *Verifier, log *zap.Logger) *Enroller {
	return &Enroller{config: cfg, store: s, box: box, verifier: verifier, log: log}
}

// Begin stores a fresh, not yet enabled secret. Calling it again before
// Confirm replaces the pending secret.
func (e *Enroller) Begin(ctx context.Context, userID, accountName string) (*Enrollment, error) {
	existing, err := e.store.MFA().GetSecret(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load mfa secret: %w", err)
	}
	if existing != nil && existing.Enabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.Issuer,
		AccountName: accountName,
		Period:      validateOpts.Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	sealed, err := e.box.Seal([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("failed to seal totp secret: %w", err)
	}
	if err := e.store.MFA().SaveSecret(ctx, &model.MfaSecret{
		UserID:          userID,
		EncryptedSecret: sealed,
	}); err != nil {
		return nil, fmt.Errorf("failed to save mfa secret: %w", err)
	}

	e.log.Info("mfa enrollment started", zap.String("user_id", userID))
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Confirm proves possession of the pending secret, enables it and returns
// the recovery codes. The plaintext codes are not retrievable afterwards.
func (e *Enroller) Confirm(ctx context.Context, userID, code string) ([]string, error) {
	var recovery []string
	err := e.store.WithinTx(ctx, func(tx store.Store) error {
		secret, err := tx.MFA().GetSecret(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotEnrolled
		}
		if err != nil {
			return err
		}
		if secret.Enabled {
			return ErrAlreadyEnabled
		}

		ok, err := e.verifier.checkTOTP(secret, code)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidCode
		}

		count := e.config.RecoveryCodeCount
		if count <= 0 {
			count = 10
		}
		recovery, err = generateRecoveryCodes(count)
		if err != nil {
			return err
		}

		secret.Enabled = true
		secret.Verified = true
		if err := tx.MFA().SaveSecret(ctx, secret); err != nil {
			return err
		}

		codes := make([]model.RecoveryCode, len(recovery))
		for i, c := range recovery {
			codes[i] = model.RecoveryCode{ID: ids.NewUUID(), UserID: userID, CodeHash: HashRecoveryCode(c)}
		}
		if err := tx.MFA().ReplaceRecoveryCodes(ctx, userID, codes); err != nil {
			return err
		}
		return tx.Users().SetMfaEnabled(ctx, userID, true)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("mfa enabled", zap.String("user_id", userID))
	return recovery, nil
}
