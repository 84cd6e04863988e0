package sync

import (
	"context"
	"log"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

// donationSource is the slice of the Tiltify fetcher the engine polls.
type donationSource interface {
	FetchDonationsSince(token string, campaignID string, since time.Time, ctx context.Context) ([]Donation, error)
	FetchMilestones(token string, campaignID string, ctx context.Context) ([]Milestone, error)
	CachedCampaign(token string, campaignID string, refresh bool, ctx context.Context) (*Campaign, error)
}

// tokenSource yields a currently valid access token or an AuthError.
type tokenSource interface {
	EnsureToken(ctx context.Context) (string, error)
}

type SessionStatus string

const (
	StatusStopped SessionStatus = "stopped"
	StatusRunning SessionStatus = "running"
	// StatusBackoff means the last tick failed; the schedule keeps running
	// and the next tick retries.
	StatusBackoff SessionStatus = "backoff"
)

// session is the in-memory runtime representation of one active polling
// loop. Exactly one session may exist per campaign identifier.
type session struct {
	id         string
	campaignID string
	interval   time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	mu     gosync.Mutex
	status SessionStatus
}

func (s *session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) setStatus(status SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Engine owns the per-campaign scheduled polling loops. On each tick it
// ensures token validity, fetches the donation and milestone delta since
// the last watermark, deduplicates, persists and emits domain events.
type Engine struct {
	Fetcher donationSource
	Tokens  tokenSource
	Store   StateStore
	Events  EventSink

	mu       gosync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

func NewEngine(fetcher donationSource, tokens tokenSource, store StateStore, events EventSink) *Engine {
	return &Engine{
		Fetcher:  fetcher,
		Tokens:   tokens,
		Store:    store,
		Events:   events,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Start begins polling a campaign. Starting an already-running campaign is
// a no-op that returns the existing session's status. On a first run the
// watermark is seeded to "now" without emitting events for pre-existing
// donations, so a fresh connect never floods the host with history.
func (e *Engine) Start(campaignID string, interval time.Duration) (SessionStatus, error) {
	if campaignID == "" {
		return StatusStopped, ConfigError{Field: "campaignId", Reason: "must not be empty"}
	}
	if interval <= 0 {
		return StatusStopped, ConfigError{Field: "pollIntervalSeconds", Reason: "must be a positive number of seconds"}
	}

	e.mu.Lock()
	if existing, ok := e.sessions[campaignID]; ok {
		e.mu.Unlock()
		return existing.Status(), nil
	}
	s := &session{
		id:         uuid.NewString(),
		campaignID: campaignID,
		interval:   interval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		status:     StatusRunning,
	}
	e.sessions[campaignID] = s
	e.mu.Unlock()

	state, err := e.Store.Load(campaignID)
	if err != nil {
		e.removeSession(campaignID)
		return StatusStopped, PersistenceError{Cause: err}
	}
	if state.LastDonationDate.IsZero() {
		state.LastDonationDate = e.now()
		if err := e.Store.Save(campaignID, state); err != nil {
			e.removeSession(campaignID)
			return StatusStopped, PersistenceError{Cause: err}
		}
	}

	go e.run(s)
	return StatusRunning, nil
}

// Stop cancels the schedule for a campaign and drops the in-memory session.
// Cancellation is cooperative: Stop blocks until an in-flight tick completes
// and persists its result, so a Stop followed immediately by Start can never
// run two ticks for the same campaign concurrently. Persisted state is
// untouched so a later Start resumes.
func (e *Engine) Stop(campaignID string) {
	e.mu.Lock()
	s, ok := e.sessions[campaignID]
	if ok {
		delete(e.sessions, campaignID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

// StopAll stops every active session and waits for their loops to exit,
// for host unload.
func (e *Engine) StopAll() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.mu.Unlock()
	for _, s := range sessions {
		close(s.stopCh)
	}
	for _, s := range sessions {
		<-s.doneCh
	}
}

// Status reports the session status for a campaign, StatusStopped when no
// session exists.
func (e *Engine) Status(campaignID string) SessionStatus {
	e.mu.Lock()
	s, ok := e.sessions[campaignID]
	e.mu.Unlock()
	if !ok {
		return StatusStopped
	}
	return s.Status()
}

func (e *Engine) removeSession(campaignID string) {
	e.mu.Lock()
	delete(e.sessions, campaignID)
	e.mu.Unlock()
}

// run is the session goroutine. Ticks execute inline, so two ticks can
// never overlap for the same campaign; the first tick fires only after one
// full interval has elapsed.
func (e *Engine) run(s *session) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := e.tick(s.campaignID); err != nil {
				s.setStatus(StatusBackoff)
				log.Printf("Poll tick failed for campaign %s session %s: %v", s.campaignID, s.id, err)
			} else {
				s.setStatus(StatusRunning)
			}
		}
	}
}

// tick is one polling cycle: token check, fetch, dedupe, emit, persist.
// Failures are contained to the tick; the schedule keeps running. Remote
// calls deliberately use a background context so Stop never aborts an
// in-flight cycle mid-write.
func (e *Engine) tick(campaignID string) error {
	ctx := context.Background()

	token, err := e.Tokens.EnsureToken(ctx)
	if err != nil {
		return err
	}

	state, err := e.Store.Load(campaignID)
	if err != nil {
		return PersistenceError{Cause: err}
	}

	// Fetch the whole delta before emitting anything, so a partial failure
	// skips the tick with no state mutated and no events delivered.
	donations, err := e.Fetcher.FetchDonationsSince(token, campaignID, state.LastDonationDate, ctx)
	if err != nil {
		return TransientError{Cause: err}
	}
	campaign, err := e.Fetcher.CachedCampaign(token, campaignID, true, ctx)
	if err != nil {
		return TransientError{Cause: err}
	}
	milestones, err := e.Fetcher.FetchMilestones(token, campaignID, ctx)
	if err != nil {
		return TransientError{Cause: err}
	}

	info := campaignInfo(campaign)
	for _, d := range donations {
		if state.HasSeen(d.ID) {
			continue
		}
		state.MarkSeen(d.ID)
		// Late deliveries below the watermark are still emitted if unseen,
		// but must never move the watermark backwards.
		if d.CompletedAt.After(state.LastDonationDate) {
			state.LastDonationDate = d.CompletedAt
		}
		e.Events.Emit(EventDonationReceived, DonationReceived{
			From:          d.DonorName,
			Comment:       d.Comment,
			Amount:        d.Amount,
			Currency:      d.Currency,
			AmountDisplay: d.AmountDisplay,
			Campaign:      info,
		})
	}

	reached := campaign.AmountRaised
	snapshot := make([]MilestoneSnapshot, 0, len(milestones))
	for _, m := range milestones {
		prev, known := state.MilestoneByID(m.ID)
		// A milestone first observed this tick records silently; crossings
		// are only reported against a persisted prior snapshot.
		if known && prev.ReachedAmount < m.Amount && reached >= m.Amount {
			e.Events.Emit(EventMilestoneReached, MilestoneReached{
				ID:            m.ID,
				Name:          m.Name,
				Amount:        m.Amount,
				AmountDisplay: m.AmountDisplay,
			})
		}
		snapshot = append(snapshot, MilestoneSnapshot{
			ID:            m.ID,
			Name:          m.Name,
			Amount:        m.Amount,
			ReachedAmount: reached,
		})
	}
	state.Milestones = snapshot

	if err := e.Store.Save(campaignID, state); err != nil {
		// Events already delivered this tick stand; the failure is only
		// reported for observability.
		return PersistenceError{Cause: err}
	}
	return nil
}
