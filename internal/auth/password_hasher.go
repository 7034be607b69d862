package auth

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const defaultPasswordCost = 10

// MaxPasswordBytes is the longest plaintext bcrypt accepts, counted in bytes.
const MaxPasswordBytes = 72

var (
	// ErrInvalidPasswordCost indicates a work factor outside bcrypt's supported range.
	ErrInvalidPasswordCost = errors.New("auth: invalid password cost")
	// ErrPasswordTooLong indicates a plaintext longer than MaxPasswordBytes.
	ErrPasswordTooLong = errors.New("auth: password exceeds 72 bytes")
	errEmptyPassword       = errors.New("password must not be empty")
)

// PasswordHasherConfig configures the bcrypt work factor and the number of concurrent hashing slots.
type PasswordHasherConfig struct {
	Cost    int
	Workers int64
}

// PasswordHasher derives and checks bcrypt digests on a bounded pool of goroutines.
type PasswordHasher struct {
	cost  int
	slots *semaphore.Weighted
}

// NewPasswordHasher validates the configuration and constructs a PasswordHasher.
func NewPasswordHasher(cfg PasswordHasherConfig) (*PasswordHasher, error) {
	cost := cfg.Cost
	if cost == 0 {
		cost = defaultPasswordCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPasswordCost, cost)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = int64(runtime.GOMAXPROCS(0))
	}
	return &PasswordHasher{
		cost:  cost,
		slots: semaphore.NewWeighted(workers),
	}, nil
}

// Hash derives a salted digest for plaintext.
func (h *PasswordHasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", errEmptyPassword
	}
	if len(plaintext) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	var (
		digest  []byte
		hashErr error
	)
	if err := h.run(ctx, func() {
		digest, hashErr = bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	}); err != nil {
		return "", err
	}
	if hashErr != nil {
		return "", hashErr
	}
	return string(digest), nil
}

// Verify reports whether plaintext matches digest. Malformed digests and cancelled contexts yield false.
func (h *PasswordHasher) Verify(ctx context.Context, plaintext, digest string) bool {
	if plaintext == "" || digest == "" {
		return false
	}
	var compareErr error
	if err := h.run(ctx, func() {
		compareErr = bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext))
	}); err != nil {
		return false
	}
	return compareErr == nil
}

// run executes work on a hashing slot. The slot is held until work finishes even when ctx is cancelled first.
func (h *PasswordHasher) run(ctx context.Context, work func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer h.slots.Release(1)
		defer close(done)
		work()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
