// Package session owns the lifecycle of the one session record each
// participant has: NoSession -> Active -> Completed. Completion freezes the
// record; everything after that is served verbatim from storage.
package session

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/study-sync/internal/epsilon"
	"github.com/sells-group/study-sync/internal/identity"
	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/store"
)

// ErrConsentRequired rejects privacy-questionnaire submission before the
// consent form is complete. Consent is an explicit precondition, not a
// convention.
var ErrConsentRequired = eris.New("session: consent must be completed before the privacy questionnaire")

// FormPrivacy names the privacy questionnaire in draft storage.
const FormPrivacy = "privacy"

// Mirror is the slice of the remote mirror client the manager needs.
type Mirror interface {
	Push(ctx context.Context, dataType model.DataType, key, userID string, payload any) bool
	Get(dataType model.DataType, key string) (model.Document, bool)
}

// Notifier records lifecycle events in the notification ledger.
type Notifier interface {
	Record(ctx context.Context, t model.NotificationType, participantID string) (*model.NotificationRecord, error)
}

// Manager drives one participant's session through its lifecycle. All deps
// are injected; the manager holds no ambient state beyond its own record.
type Manager struct {
	local    store.Store
	identity *identity.Provider
	mirror   Mirror
	tracker  *epsilon.Tracker
	notifier Notifier

	mu            sync.Mutex
	initialized   bool
	participantID string
	active        *model.ActiveSession
	completed     *model.CompletedSession
	questionnaire *model.Questionnaire

	// finalized is the single-use finalization latch. pushPending marks a
	// completed record whose remote push failed: the record itself is final,
	// only the push is retried on the next trigger.
	finalized   bool
	pushPending bool

	// test seams
	nowFunc      func() time.Time
	newSessionID func() string
}

// NewManager creates a session lifecycle manager.
func NewManager(local store.Store, provider *identity.Provider, mirror Mirror, tracker *epsilon.Tracker, notifier Notifier) *Manager {
	return &Manager{
		local:        local,
		identity:     provider,
		mirror:       mirror,
		tracker:      tracker,
		notifier:     notifier,
		nowFunc:      time.Now,
		newSessionID: func() string { return uuid.NewString() },
	}
}

// InitializeSession loads or creates the participant's session record.
// Idempotent per process: repeated calls after the first are no-ops. On a
// first-ever visit the record starts at the account-creation time, so a
// first-time participant's duration spans their whole relationship with the
// study. A reload of an unfinished session clears any stale end time instead
// of creating a second record; a reload after completion serves the frozen
// record untouched.
func (m *Manager) InitializeSession(ctx context.Context) (model.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return m.viewLocked()
	}

	pid, err := m.identity.GetOrCreateParticipantID(ctx)
	if err != nil {
		return model.SessionView{}, err
	}
	m.participantID = pid

	if done, err := m.loadCompletedLocked(ctx); err != nil {
		return model.SessionView{}, err
	} else if done {
		m.initialized = true
		return m.viewLocked()
	}

	var active model.ActiveSession
	ok, err := store.GetJSON(ctx, m.local, store.KeyActiveSession(pid), &active)
	if err != nil {
		return model.SessionView{}, eris.Wrap(err, "session: load active record")
	}
	if ok {
		active.EndedAt = nil
	} else {
		startedAt, err := m.identity.AccountCreatedAt(ctx)
		if err != nil {
			return model.SessionView{}, err
		}
		active = model.ActiveSession{
			SessionID:     m.newSessionID(),
			ParticipantID: pid,
			StartedAt:     startedAt.UTC(),
		}
	}

	st, err := m.tracker.Initialize(ctx)
	if err != nil {
		return model.SessionView{}, err
	}
	active.CurrentEpsilon = st.Current
	active.EpsilonChangeCount = st.ChangeCount
	active.EpsilonHistory = st.History

	m.active = &active
	if err := m.persistActiveLocked(ctx); err != nil {
		return model.SessionView{}, err
	}
	m.pushActiveLocked(ctx)
	m.recordEvent(ctx, model.NotifyEntered)

	m.initialized = true
	return m.viewLocked()
}

// RecordEpsilonChange records one slider selection on the tracker and folds
// the new state into the active record. Silently ignored after completion.
func (m *Manager) RecordEpsilonChange(ctx context.Context, e float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized || m.active == nil {
		return nil
	}
	if err := m.tracker.RecordSelection(ctx, e); err != nil {
		return err
	}

	st := m.tracker.State()
	m.active.CurrentEpsilon = st.Current
	m.active.EpsilonChangeCount = st.ChangeCount
	m.active.EpsilonHistory = st.History

	if err := m.persistActiveLocked(ctx); err != nil {
		return err
	}
	m.pushActiveLocked(ctx)
	return nil
}

// RecordConsentCompletion marks the consent form complete. When the privacy
// questionnaire is already done this is the second-and-final flag, so the
// session finalizes.
func (m *Manager) RecordConsentCompletion(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		m.retryPushLocked(ctx)
		return nil
	}
	if m.active == nil {
		return eris.New("session: not initialized")
	}
	if m.active.ConsentCompleted {
		return nil
	}

	now := m.nowFunc().UTC()
	m.active.ConsentCompleted = true
	m.active.ConsentCompletedAt = &now
	if err := m.persistActiveLocked(ctx); err != nil {
		return err
	}
	m.recordEvent(ctx, model.NotifyConsentCompleted)
	m.pushProgressLocked(ctx, model.DataConsentProgress, now)

	if m.active.PrivacyCompleted {
		return m.finalizeLocked(ctx)
	}
	m.pushActiveLocked(ctx)
	return nil
}

// RecordPrivacyCompletion validates and attaches the questionnaire, marks the
// privacy step complete, and finalizes the session. It requires a prior
// consent completion and rejects incomplete questionnaires without mutating
// any state.
func (m *Manager) RecordPrivacyCompletion(ctx context.Context, q model.Questionnaire) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		m.retryPushLocked(ctx)
		return nil
	}
	if m.active == nil {
		return eris.New("session: not initialized")
	}
	if missing := q.MissingFields(); len(missing) > 0 {
		return eris.Errorf("session: questionnaire incomplete, missing %s", strings.Join(missing, ", "))
	}
	if !m.active.ConsentCompleted {
		return ErrConsentRequired
	}

	now := m.nowFunc().UTC()
	m.active.PrivacyCompleted = true
	m.active.PrivacyCompletedAt = &now
	m.questionnaire = &q
	if err := m.persistActiveLocked(ctx); err != nil {
		return err
	}
	m.recordEvent(ctx, model.NotifyPrivacyCompleted)
	m.pushProgressLocked(ctx, model.DataPrivacyProgress, now)

	return m.finalizeLocked(ctx)
}

// EndSession is invoked on a true tab close, not a reload. A completed
// session is already frozen, so it is a no-op; otherwise the partial state is
// persisted without an end time, since the session stays logically active for
// a future revisit.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized || m.active == nil {
		return nil
	}
	if err := m.persistActiveLocked(ctx); err != nil {
		return err
	}
	m.pushActiveLocked(ctx)
	m.recordEvent(ctx, model.NotifyLeft)
	return nil
}

// SaveFormDraft persists partially answered form fields so a reload restores
// them. Drafts are local-only; they never reach the remote store. Ignored
// after completion, the same as epsilon changes.
func (m *Manager) SaveFormDraft(ctx context.Context, form string, q model.Questionnaire) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return nil
	}
	if m.participantID == "" {
		return eris.New("session: not initialized")
	}
	err := store.SetJSON(ctx, m.local, store.KeyFormDraft(form, m.participantID), q)
	return eris.Wrap(err, "session: persist form draft")
}

// FormDraft returns the saved draft for one form, if any.
func (m *Manager) FormDraft(ctx context.Context, form string) (model.Questionnaire, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.participantID == "" {
		return model.Questionnaire{}, false, eris.New("session: not initialized")
	}
	var q model.Questionnaire
	ok, err := store.GetJSON(ctx, m.local, store.KeyFormDraft(form, m.participantID), &q)
	if err != nil {
		return model.Questionnaire{}, false, eris.Wrap(err, "session: load form draft")
	}
	return q, ok, nil
}

// ParticipantID returns the id the manager is operating for. Empty before
// InitializeSession.
func (m *Manager) ParticipantID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participantID
}

// View returns the dashboard row for the current session.
func (m *Manager) View() (model.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

// finalizeLocked transitions Active -> Completed exactly once. The frozen
// snapshot is persisted locally before any remote work; a failed push leaves
// the snapshot authoritative and only flags the push for retry.
func (m *Manager) finalizeLocked(ctx context.Context) error {
	if m.finalized {
		m.retryPushLocked(ctx)
		return nil
	}

	// A prior visit may have completed this participant already, locally or
	// on the remote store. Writing a second document would break the
	// one-record-per-participant rule.
	if done, err := m.loadCompletedLocked(ctx); err != nil {
		return err
	} else if done {
		return nil
	}

	if err := m.tracker.Freeze(ctx); err != nil {
		return err
	}
	st := m.tracker.State()

	endedAt := m.nowFunc().UTC()
	startedAt := m.active.StartedAt
	// Min-duration clamp: an inverted or zero-length interval is forced to
	// one second by moving the start backward.
	if !endedAt.After(startedAt) {
		startedAt = endedAt.Add(-time.Second)
	}

	completed := &model.CompletedSession{
		SessionID:          m.active.SessionID,
		ParticipantID:      m.participantID,
		StartedAt:          startedAt,
		EndedAt:            endedAt,
		EpsilonChangeCount: st.ChangeCount,
		FirstEpsilon:       st.First(),
		FinalEpsilon:       st.Current,
		AverageEpsilon:     st.Average(),
		PrivacyLevel:       model.PrivacyLevelFor(st.Current),
		EpsilonHistory:     st.History,
		Questionnaire:      m.questionnaire,
	}
	if m.active.ConsentCompletedAt != nil {
		completed.ConsentCompletedAt = *m.active.ConsentCompletedAt
	}
	if m.active.PrivacyCompletedAt != nil {
		completed.PrivacyCompletedAt = *m.active.PrivacyCompletedAt
	}
	completed.RecomputeDuration()

	if err := store.SetJSON(ctx, m.local, store.KeyCompletedSession(m.participantID), completed); err != nil {
		return eris.Wrap(err, "session: persist completed record")
	}
	if err := m.local.Remove(ctx, store.KeyActiveSession(m.participantID)); err != nil {
		zap.L().Warn("session: drop active record", zap.Error(err))
	}
	if err := m.local.Remove(ctx, store.KeyFormDraft(FormPrivacy, m.participantID)); err != nil {
		zap.L().Warn("session: drop form draft", zap.Error(err))
	}

	m.completed = completed
	m.finalized = true
	zap.L().Info("session finalized",
		zap.String("participant_id", m.participantID),
		zap.Float64("final_epsilon", completed.FinalEpsilon),
		zap.String("privacy_level", string(completed.PrivacyLevel)),
	)

	m.pushCompletedLocked(ctx)
	if m.questionnaire != nil {
		m.mirror.Push(ctx, model.DataQuestionnaire, m.participantID, m.participantID, m.questionnaire)
	}
	return nil
}

// loadCompletedLocked looks for a frozen record, first in the local store and
// then in the reconciled remote cache. A remote-only record is adopted
// locally so a revisit on a fresh profile cannot finalize twice.
func (m *Manager) loadCompletedLocked(ctx context.Context) (bool, error) {
	var completed model.CompletedSession
	ok, err := store.GetJSON(ctx, m.local, store.KeyCompletedSession(m.participantID), &completed)
	if err != nil {
		return false, eris.Wrap(err, "session: load completed record")
	}

	if !ok {
		doc, found := m.mirror.Get(model.DataSessions, m.participantID)
		if !found {
			return false, nil
		}
		var remote model.SessionDocument
		if err := json.Unmarshal(doc.Payload, &remote); err != nil ||
			remote.Status != model.SessionCompleted || remote.Completed == nil {
			return false, nil
		}
		completed = *remote.Completed
		if err := store.SetJSON(ctx, m.local, store.KeyCompletedSession(m.participantID), completed); err != nil {
			return false, eris.Wrap(err, "session: adopt remote completed record")
		}
	}

	m.completed = &completed
	m.finalized = true
	if err := m.tracker.AdoptFinal(ctx, epsilonStateOf(&completed)); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) retryPushLocked(ctx context.Context) {
	if !m.pushPending {
		return
	}
	m.pushCompletedLocked(ctx)
}

func (m *Manager) pushCompletedLocked(ctx context.Context) {
	doc := model.SessionDocument{Status: model.SessionCompleted, Completed: m.completed}
	if m.mirror.Push(ctx, model.DataSessions, m.participantID, m.participantID, doc) {
		m.pushPending = false
	} else {
		m.pushPending = true
	}
}

// pushProgressLocked mirrors a form-completion marker so the researcher view
// can chart progress before the session finalizes.
func (m *Manager) pushProgressLocked(ctx context.Context, dataType model.DataType, at time.Time) {
	m.mirror.Push(ctx, dataType, m.participantID, m.participantID, map[string]any{
		"participant_id": m.participantID,
		"completed":      true,
		"completed_at":   at,
	})
}

func (m *Manager) pushActiveLocked(ctx context.Context) {
	doc := model.SessionDocument{Status: model.SessionActive, Active: m.active}
	m.mirror.Push(ctx, model.DataSessions, m.participantID, m.participantID, doc)
}

func (m *Manager) persistActiveLocked(ctx context.Context) error {
	err := store.SetJSON(ctx, m.local, store.KeyActiveSession(m.participantID), m.active)
	return eris.Wrap(err, "session: persist active record")
}

func (m *Manager) recordEvent(ctx context.Context, t model.NotificationType) {
	if m.notifier == nil {
		return
	}
	if _, err := m.notifier.Record(ctx, t, m.participantID); err != nil {
		zap.L().Warn("session: record lifecycle event",
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
}

func (m *Manager) viewLocked() (model.SessionView, error) {
	switch {
	case m.completed != nil:
		return model.ViewOfCompleted(m.completed), nil
	case m.active != nil:
		return model.ViewOfActive(m.active), nil
	}
	return model.SessionView{}, eris.New("session: not initialized")
}

// epsilonStateOf rebuilds the frozen tracker state from a completed record.
// The running sum is re-accumulated at one-decimal resolution, the same way
// the tracker maintains it.
func epsilonStateOf(c *model.CompletedSession) model.EpsilonState {
	sum := 0.0
	for _, e := range c.EpsilonHistory {
		sum = math.Round((sum+e)*10) / 10
	}
	return model.EpsilonState{
		Current:     c.FinalEpsilon,
		ChangeCount: c.EpsilonChangeCount,
		History:     append([]float64(nil), c.EpsilonHistory...),
		RunningSum:  sum,
		Frozen:      true,
	}
}
