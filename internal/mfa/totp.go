package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/store"
)

var (
	ErrInvalidCode    = errors.New("invalid mfa code")
	ErrNotEnrolled    = errors.New("mfa not enrolled")
	ErrAlreadyEnabled = errors.New("mfa already enabled")
)

type Method string

const (
	MethodTOTP     Method = "totp"
	MethodRecovery Method = "recovery_code"
)

// validateOpts accepts the current 30s step and one step either side.
var validateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

const totpPeriod = 30

const recoveryAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Verifier checks second-factor codes for a user with an enabled secret.
type Verifier struct {
	box *SecretBox
	now func() time.Time
}

func NewVerifier(box *SecretBox) *Verifier {
	return &Verifier{box: box, now: time.Now}
}

// Verify accepts either a TOTP code or a recovery code. A recovery code is
// consumed through s, so pass the transaction that should own the
// redemption. A TOTP code is accepted once: its time step must be newer than
// the last step accepted for the user.
func (v *Verifier) Verify(ctx context.Context, s store.Store, userID, code string) (Method, error) {
	secret, err := s.MFA().GetSecret(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotEnrolled
	}
	if err != nil {
		return "", fmt.Errorf("failed to load mfa secret: %w", err)
	}
	if !secret.Enabled {
		return "", ErrNotEnrolled
	}

	code = strings.TrimSpace(code)
	if isNumeric(code) {
		step, ok, err := v.matchTOTP(secret, code)
		if err != nil {
			return "", err
		}
		if !ok || step <= secret.LastTotpStep {
			return "", ErrInvalidCode
		}
		advanced, err := s.MFA().AdvanceTotpStep(ctx, userID, step)
		if err != nil {
			return "", fmt.Errorf("failed to record totp step: %w", err)
		}
		if !advanced {
			return "", ErrInvalidCode
		}
		return MethodTOTP, nil
	}

	consumed, err := s.MFA().ConsumeRecoveryCode(ctx, userID, HashRecoveryCode(code))
	if err != nil {
		return "", fmt.Errorf("failed to redeem recovery code: %w", err)
	}
	if !consumed {
		return "", ErrInvalidCode
	}
	return MethodRecovery, nil
}

func (v *Verifier) checkTOTP(secret *model.MfaSecret, code string) (bool, error) {
	_, ok, err := v.matchTOTP(secret, code)
	return ok, err
}

// matchTOTP returns the time step within the skew window whose code equals
// code.
func (v *Verifier) matchTOTP(secret *model.MfaSecret, code string) (int64, bool, error) {
	plain, err := v.box.Open(secret.EncryptedSecret)
	if err != nil {
		return 0, false, err
	}
	current := v.now().UTC().Unix() / totpPeriod
	skew := int64(validateOpts.Skew)
	for step := current - skew; step <= current+skew; step++ {
		want, err := totp.GenerateCodeCustom(string(plain), time.Unix(step*totpPeriod, 0).UTC(), validateOpts)
		if err != nil {
			return 0, false, fmt.Errorf("failed to generate totp code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true, nil
		}
	}
	return 0, false, nil
}

// HashRecoveryCode normalizes case and separators before hashing, so
// "abcde-fghjk" and "ABCDEFGHJK" redeem the same code.
func HashRecoveryCode(code string) string {
	normalized := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(code))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func generateRecoveryCodes(n int) ([]string, error) {
	codes := make([]string, n)
	buf := make([]byte, 10)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		var b strings.Builder
		for j, c := range buf {
			if j == 5 {
				b.WriteByte('-')
			}
			b.WriteByte(recoveryAlphabet[int(c)%len(recoveryAlphabet)])
		}
		codes[i] = b.String()
	}
	return codes, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
