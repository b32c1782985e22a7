package payments

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-process Provider for local runs without a Stripe
// account. Intents succeed immediately.
type Sandbox struct {
	mu      sync.Mutex
	intents map[string]Intent
}

func NewSandbox() *Sandbox {
	return &Sandbox{intents: make(map[string]Intent)}
}

func (s *Sandbox) CreateIntent(_ context.Context, rideID, userID string, amount int64, currency string) (Intent, error) {
	id := "pi_local_" + uuid.NewString()
	in := Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Amount:       amount,
		Currency:     currency,
		Status:       StatusSucceeded,
		RideID:       rideID,
		UserID:       userID,
	}
	s.mu.Lock()
	s.intents[id] = in
	s.mu.Unlock()
	return in, nil
}

func (s *Sandbox) GetIntent(_ context.Context, id string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return in, nil
}

// SetStatus overrides an intent's status, e.g. to simulate a decline.
func (s *Sandbox) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[id]; ok {
		in.Status = status
		s.intents[id] = in
	}
}
