package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/resilience"
)

// pulledTypes are the collections fetched into the reconciled cache on load.
var pulledTypes = []model.DataType{
	model.DataSessions,
	model.DataNotification,
	model.DataQuestionnaire,
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithPushRate bounds outgoing pushes to r per second with burst b.
func WithPushRate(r float64, b int) MirrorOption {
	return func(m *Mirror) { m.limiter = rate.NewLimiter(rate.Limit(r), b) }
}

// WithMirrorRetry overrides the push retry policy.
func WithMirrorRetry(cfg resilience.RetryConfig) MirrorOption {
	return func(m *Mirror) { m.retry = cfg }
}

// Mirror owns the reconciled in-memory cache and the best-effort push path.
// All cache mutation funnels through apply, which enforces the deterministic
// last-write-wins merge rule (Document.Supersedes).
type Mirror struct {
	docs   DocumentStore
	feed   Feed
	outbox *Outbox

	limiter *rate.Limiter
	retry   resilience.RetryConfig
	nowFunc func() time.Time

	mu       sync.RWMutex
	cache    map[model.DataType]map[string]model.Document
	handlers []func(model.Document)
}

// NewMirror creates a Mirror over a document store, an optional change feed,
// and the sync outbox.
func NewMirror(docs DocumentStore, feed Feed, outbox *Outbox, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		docs:    docs,
		feed:    feed,
		outbox:  outbox,
		retry:   resilience.DefaultRetryConfig(),
		nowFunc: time.Now,
		cache:   make(map[model.DataType]map[string]model.Document),
	}
	m.retry.OnRetry = resilience.RetryLogger("push")
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Push mirrors one record to the remote collection, keyed by key. It never
// returns an error: the local copy has already been persisted by the caller
// and stays authoritative. The returned flag reports whether the remote
// acknowledged the write; on failure the record lands in the outbox for the
// resync pass.
//
// An unchanged payload that is already marked synced is skipped.
func (m *Mirror) Push(ctx context.Context, dataType model.DataType, key, userID string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("push: marshal payload",
			zap.String("data_type", string(dataType)),
			zap.String("key", key),
			zap.Error(err),
		)
		return false
	}
	return m.pushRaw(ctx, dataType, key, userID, raw)
}

func (m *Mirror) pushRaw(ctx context.Context, dataType model.DataType, key, userID string, raw json.RawMessage) bool {
	fingerprint := Fingerprint(raw)
	if entry, err := m.outbox.Get(ctx, dataType, key); err == nil &&
		entry != nil && entry.State == StateSynced && entry.Fingerprint == fingerprint {
		return true
	}

	now := m.nowFunc().UTC()
	doc := model.Document{
		DataType:  dataType,
		Key:       key,
		UserID:    userID,
		Payload:   raw,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, ok := m.Get(dataType, key); ok {
		doc.Version = prev.Version + 1
		doc.CreatedAt = prev.CreatedAt
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			m.recordPushFailure(ctx, doc, err)
			return false
		}
	}

	err := resilience.Do(ctx, m.retry, func(ctx context.Context) error {
		return m.docs.Put(ctx, doc)
	})
	if err != nil {
		m.recordPushFailure(ctx, doc, err)
		return false
	}

	if err := m.outbox.MarkSynced(ctx, dataType, key, fingerprint); err != nil {
		zap.L().Warn("push: record sync flag", zap.Error(err))
	}
	m.apply(doc)
	return true
}

func (m *Mirror) recordPushFailure(ctx context.Context, doc model.Document, err error) {
	zap.L().Warn("push failed, local copy remains authoritative",
		zap.String("data_type", string(doc.DataType)),
		zap.String("key", doc.Key),
		zap.Error(err),
	)
	if obErr := m.outbox.MarkPending(ctx, doc.DataType, doc.Key, doc.UserID, doc.Payload, err); obErr != nil {
		zap.L().Error("push: record pending entry", zap.Error(obErr))
	}
	// The failed write still lands in the reconciled cache so the dashboard
	// shows the local truth.
	m.apply(doc)
}

// PullAll fetches the full remote collection and replaces the reconciled
// cache. Malformed documents are skipped with a warning; a failed fetch of
// any type fails the whole pull and leaves the cache untouched.
func (m *Mirror) PullAll(ctx context.Context) error {
	fresh := make(map[model.DataType]map[string]model.Document, len(pulledTypes))
	var freshMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, dt := range pulledTypes {
		g.Go(func() error {
			docs, err := m.docs.List(gctx, dt)
			if err != nil {
				return err
			}
			byKey := make(map[string]model.Document, len(docs))
			for _, d := range docs {
				if !d.Valid() {
					zap.L().Warn("skipping malformed remote document",
						zap.String("data_type", string(dt)),
						zap.String("key", d.Key),
					)
					continue
				}
				if existing, ok := byKey[d.Key]; !ok || d.Supersedes(&existing) {
					byKey[d.Key] = d
				}
			}
			freshMu.Lock()
			fresh[dt] = byKey
			freshMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cache = fresh
	m.mu.Unlock()
	return nil
}

// OnRemoteChange registers a handler invoked after any reconciled-cache
// mutation (remote change events and acknowledged local pushes alike).
func (m *Mirror) OnRemoteChange(handler func(model.Document)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// HandleRemoteChange merges one incoming change event into the cache.
func (m *Mirror) HandleRemoteChange(doc model.Document) {
	if !doc.Valid() {
		return
	}
	m.apply(doc)
}

// Listen starts dispatching the change feed into the cache until ctx is done.
func (m *Mirror) Listen(ctx context.Context) {
	if m.feed == nil {
		return
	}
	go func() {
		if err := m.feed.Run(ctx, m.HandleRemoteChange); err != nil && ctx.Err() == nil {
			zap.L().Error("change feed stopped", zap.Error(err))
		}
	}()
}

// apply merges doc into the cache under the last-write-wins rule and fans
// out to registered handlers when the cache changed.
func (m *Mirror) apply(doc model.Document) {
	m.mu.Lock()
	byKey, ok := m.cache[doc.DataType]
	if !ok {
		byKey = make(map[string]model.Document)
		m.cache[doc.DataType] = byKey
	}
	existing, exists := byKey[doc.Key]
	if exists && !doc.Supersedes(&existing) {
		m.mu.Unlock()
		return
	}
	byKey[doc.Key] = doc
	handlers := append(make([]func(model.Document), 0, len(m.handlers)), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(doc)
	}
}

// Get returns the cached document for a (dataType, key) pair.
func (m *Mirror) Get(dataType model.DataType, key string) (model.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.cache[dataType][key]
	return doc, ok
}

// All returns a snapshot of every cached document of one type.
func (m *Mirror) All(dataType model.DataType) []model.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]model.Document, 0, len(m.cache[dataType]))
	for _, d := range m.cache[dataType] {
		docs = append(docs, d)
	}
	return docs
}

// Size returns the number of cached documents of one type.
func (m *Mirror) Size(dataType model.DataType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache[dataType])
}

// Resync re-pushes every pending outbox entry. It is run once shortly after
// load, and on demand via the sync command. Returns the number of records
// that reached the remote store and the number still failing.
func (m *Mirror) Resync(ctx context.Context) (synced, failed int) {
	entries, err := m.outbox.Pending(ctx)
	if err != nil {
		zap.L().Error("resync: list pending", zap.Error(err))
		return 0, 0
	}
	for _, e := range entries {
		if m.pushRaw(ctx, e.DataType, e.Key, e.UserID, e.Payload) {
			synced++
		} else {
			failed++
		}
	}
	if synced > 0 || failed > 0 {
		zap.L().Info("resync pass finished",
			zap.Int("synced", synced),
			zap.Int("failed", failed),
		)
	}
	return synced, failed
}
