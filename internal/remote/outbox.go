package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/store"
)

// EntryState is the sync state of one (dataType, key) pair.
type EntryState string

const (
	// StatePending means the record has local changes not yet acknowledged
	// by the remote store.
	StatePending EntryState = "pending"
	// StateSynced means the last pushed payload was acknowledged. Advisory
	// only: it is not a durability guarantee.
	StateSynced EntryState = "synced"
	// StateDead means the record exhausted its retry budget and needs
	// operator attention.
	StateDead EntryState = "dead"
)

// Entry is the per-record sync bookkeeping kept in the local store.
type Entry struct {
	DataType    model.DataType  `json:"data_type"`
	Key         string          `json:"key"`
	UserID      string          `json:"user_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	State       EntryState      `json:"state"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Outbox tracks which local records have reached the remote store, feeds the
// resync pass that runs shortly after load, and dead-letters records that
// keep failing.
type Outbox struct {
	local       store.Store
	maxAttempts int
	nowFunc     func() time.Time
}

// NewOutbox creates an Outbox over the local store. maxAttempts bounds the
// number of failed pushes before a record is dead-lettered; <=0 means 5.
func NewOutbox(local store.Store, maxAttempts int) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Outbox{local: local, maxAttempts: maxAttempts, nowFunc: time.Now}
}

// Fingerprint returns the content hash used to skip pushes of unchanged data.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Get returns the entry for a pair, or nil when the pair has never been
// pushed.
func (o *Outbox) Get(ctx context.Context, dataType model.DataType, key string) (*Entry, error) {
	var e Entry
	ok, err := store.GetJSON(ctx, o.local, store.KeyOutbox(string(dataType), key), &e)
	if err != nil {
		return nil, eris.Wrapf(err, "outbox: get %s/%s", dataType, key)
	}
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// MarkSynced records a successful push. The payload is dropped from the
// entry: only the fingerprint is needed to detect future changes.
func (o *Outbox) MarkSynced(ctx context.Context, dataType model.DataType, key, fingerprint string) error {
	e := Entry{
		DataType:    dataType,
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateSynced,
		UpdatedAt:   o.nowFunc().UTC(),
	}
	err := store.SetJSON(ctx, o.local, store.KeyOutbox(string(dataType), key), e)
	return eris.Wrapf(err, "outbox: mark synced %s/%s", dataType, key)
}

// MarkPending records a failed push, retaining the payload so the resync
// pass can retry it. Exceeding the attempt budget dead-letters the entry.
func (o *Outbox) MarkPending(ctx context.Context, dataType model.DataType, key, userID string, payload json.RawMessage, pushErr error) error {
	prev, err := o.Get(ctx, dataType, key)
	if err != nil {
		return err
	}

	e := Entry{
		DataType:    dataType,
		Key:         key,
		UserID:      userID,
		Payload:     payload,
		Fingerprint: Fingerprint(payload),
		State:       StatePending,
		Attempts:    1,
		UpdatedAt:   o.nowFunc().UTC(),
	}
	if pushErr != nil {
		e.LastError = pushErr.Error()
	}
	if prev != nil && prev.State == StatePending && prev.Fingerprint == e.Fingerprint {
		e.Attempts = prev.Attempts + 1
	}
	if e.Attempts >= o.maxAttempts {
		e.State = StateDead
	}

	err = store.SetJSON(ctx, o.local, store.KeyOutbox(string(dataType), key), e)
	return eris.Wrapf(err, "outbox: mark pending %s/%s", dataType, key)
}

// Pending returns all entries awaiting a retry.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	return o.inState(ctx, StatePending)
}

// DeadLetters returns all entries that exhausted their retry budget.
func (o *Outbox) DeadLetters(ctx context.Context) ([]Entry, error) {
	return o.inState(ctx, StateDead)
}

func (o *Outbox) inState(ctx context.Context, state EntryState) ([]Entry, error) {
	keys, err := o.local.Keys(ctx, store.OutboxPrefix())
	if err != nil {
		return nil, eris.Wrap(err, "outbox: scan keys")
	}

	var entries []Entry
	for _, k := range keys {
		var e Entry
		ok, err := store.GetJSON(ctx, o.local, k, &e)
		if err != nil {
			return nil, eris.Wrapf(err, "outbox: read %s", k)
		}
		if ok && e.State == state {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
