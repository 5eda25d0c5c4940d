// Package identity issues and persists the stable per-profile participant
// identifier used to key every other record.
package identity

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/study-sync/internal/store"
)

// Profile is the persisted identity record. The id and the account-creation
// timestamp are written together so neither can exist without the other.
type Profile struct {
	ParticipantID string    `json:"participant_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Provider issues and reads the participant identity.
type Provider struct {
	local store.Store

	// test seams
	nowFunc func() time.Time
	randInt func(n int) int
}

// NewProvider creates a Provider over the local store.
func NewProvider(local store.Store) *Provider {
	return &Provider{
		local:   local,
		nowFunc: time.Now,
		randInt: rand.IntN,
	}
}

// GetOrCreateParticipantID returns the existing participant id, or generates
// a "U-####" token and persists it together with the account-creation
// timestamp. Idempotent: once persisted, the id never changes.
func (p *Provider) GetOrCreateParticipantID(ctx context.Context) (string, error) {
	prof, err := p.profile(ctx)
	if err != nil {
		return "", err
	}
	return prof.ParticipantID, nil
}

// AccountCreatedAt returns the persisted creation time, creating the profile
// (set to now) if absent. Once set it is never overwritten.
func (p *Provider) AccountCreatedAt(ctx context.Context) (time.Time, error) {
	prof, err := p.profile(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return prof.CreatedAt, nil
}

func (p *Provider) profile(ctx context.Context) (*Profile, error) {
	var prof Profile
	ok, err := store.GetJSON(ctx, p.local, store.KeyParticipant, &prof)
	if err != nil {
		return nil, eris.Wrap(err, "identity: load profile")
	}
	if ok && prof.ParticipantID != "" {
		return &prof, nil
	}

	prof = Profile{
		ParticipantID: fmt.Sprintf("U-%04d", p.randInt(10000)),
		CreatedAt:     p.nowFunc().UTC(),
	}
	if err := store.SetJSON(ctx, p.local, store.KeyParticipant, prof); err != nil {
		return nil, eris.Wrap(err, "identity: persist profile")
	}
	return &prof, nil
}
