package auth

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/elskow/warden/internal/model"
)

// dummyHash is compared against when the account does not exist so both
// paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("warden-timing-equalizer"), bcrypt.DefaultCost)

type LockoutPolicy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// PasswordCheck is the login state to persist after a password attempt.
type PasswordCheck struct {
	OK           bool
	FailedCount  int
	LockoutUntil *time.Time
}

// Locked reports whether this attempt started a lockout.
func (c PasswordCheck) Locked() bool {
	return c.LockoutUntil != nil
}

// CheckPassword decides the outcome of one password attempt. It has no side
// effects; the caller persists the returned counters.
func CheckPassword(user *model.User, password string, policy LockoutPolicy, now time.Time) PasswordCheck {
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil {
		return PasswordCheck{OK: true}
	}

	failed := user.FailedLoginCount + 1
	// a lapsed lockout starts a fresh count
	if user.LockoutUntil != nil && !user.LockoutUntil.After(now) {
		failed = 1
	}

	if policy.MaxFailedAttempts > 0 && failed >= policy.MaxFailedAttempts {
		until := now.Add(policy.LockoutDuration)
		return PasswordCheck{FailedCount: failed, LockoutUntil: &until}
	}
	return PasswordCheck{FailedCount: failed}
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func compareDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}
