package upload

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager tracks accepted files and drives each of them through the upload
// state machine. All mutations of the tracked collection go through reduce
// while mu is held.
type Manager struct {
	mu       sync.RWMutex
	entries  []Entry
	rootErr  string
	removing map[string]chan struct{}

	// acceptMu serialises batch acceptance, including shift evictions.
	acceptMu sync.Mutex

	uploader  Uploader
	opts      Options
	validate  Validator
	semaphore chan struct{}
	workersWG sync.WaitGroup
	baseCtx   context.Context
}

// NewManager creates a manager that hands accepted files to uploader.
func NewManager(uploader Uploader, opts Options) *Manager {
	validate := opts.Validator
	if validate == nil {
		validate = Validate
	}
	var semaphore chan struct{}
	if opts.MaxConcurrentUploads > 0 {
		semaphore = make(chan struct{}, opts.MaxConcurrentUploads)
	}
	return &Manager{
		removing:  make(map[string]chan struct{}),
		uploader:  uploader,
		opts:      opts,
		validate:  validate,
		semaphore: semaphore,
		baseCtx:   context.Background(),
	}
}

// SetBaseContext sets the context passed to uploaders and hooks started in
// the background. Cancelling it stops automatic retries.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

func (m *Manager) baseContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseCtx
}

// Entries returns a snapshot of the tracked entries in creation order.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries)
}

func (m *Manager) Entry(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx := indexOf(m.entries, id); idx >= 0 {
		return m.entries[idx], true
	}
	return Entry{}, false
}

// RootError returns the batch-level error message, or "" when none is set.
func (m *Manager) RootError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rootErr
}

// Limits returns the validation limits the manager was built with.
func (m *Manager) Limits() Limits { return m.opts.Validation }

// IsInvalid reports whether a root error is set or any entry is in error.
func (m *Manager) IsInvalid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rootErr != "" {
		return true
	}
	return slices.ContainsFunc(m.entries, func(e Entry) bool { return e.State.Status == StatusError })
}

// CanRetry reports whether a manual retry of id is currently permitted.
func (m *Manager) CanRetry(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := indexOf(m.entries, id)
	if idx < 0 {
		return false
	}
	e := m.entries[idx]
	return e.State.Status == StatusError && m.belowRetryLimit(e.Tries)
}

func (m *Manager) belowRetryLimit(tries int) bool {
	return m.opts.MaxRetryCount <= 0 || tries < m.opts.MaxRetryCount
}

// dispatch applies a under the lock and reports whether the targeted entry
// was tracked at that moment.
func (m *Manager) dispatch(a action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.kind != actionAdd && indexOf(m.entries, a.id) < 0 {
		return false
	}
	m.entries = reduce(m.entries, a)
	return true
}

// AcceptBatch validates files, applies the MaxFiles policy and starts an
// upload for every accepted file. It returns the created entries in input
// order. Rejections are reported through RootError only.
func (m *Manager) AcceptBatch(ctx context.Context, files []File) ([]Entry, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	m.acceptMu.Lock()
	defer m.acceptMu.Unlock()

	m.mu.Lock()
	m.rootErr = ""
	m.mu.Unlock()

	limits := m.opts.Validation
	validation := m.validate(files, limits)
	accepted := validation.Accepted
	violations := validation.Violations

	var evict []string
	if limits.MaxFiles > 0 {
		// Counted after validation: uploads may have settled meanwhile.
		live := m.liveIDs()
		room := max(limits.MaxFiles-len(live), 0)
		if len(accepted) > room {
			if m.opts.ShiftOnMaxFiles {
				// Files pushed out by later files of the same batch are never started.
				if len(accepted) > limits.MaxFiles {
					accepted = accepted[len(accepted)-limits.MaxFiles:]
				}
				evict = live[:min(len(accepted)-room, len(live))]
			} else {
				accepted = accepted[:room]
				violations = append(violations, ViolationTooManyFiles)
			}
		}
	}

	for _, id := range evict {
		if err := m.RemoveEntry(ctx, id); err != nil {
			log.Warn().Str("entry_id", id).Err(err).Msg("evicted entry remove hook failed")
		}
	}

	if msg := RootMessage(violations, limits); msg != "" {
		m.mu.Lock()
		m.rootErr = msg
		m.mu.Unlock()
		log.Info().Str("root_error", msg).Int("rejected", len(files)-len(accepted)).Msg("batch partially rejected")
	}

	if len(accepted) == 0 {
		return nil, nil
	}

	now := time.Now()
	created := make([]Entry, 0, len(accepted))
	for _, f := range accepted {
		created = append(created, Entry{
			ID:        uuid.NewString(),
			FileName:  f.Name,
			File:      f,
			Tries:     1,
			CreatedAt: now,
			State:     State{Status: StatusPending},
		})
	}
	m.dispatch(action{kind: actionAdd, entries: created})
	log.Info().Int("accepted", len(created)).Int("evicted", len(evict)).Msg("batch accepted")

	m.startBatch(created)
	return created, nil
}

// liveIDs returns tracked ids, oldest first, leaving out entries whose
// removal is already under way.
func (m *Manager) liveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		if _, ok := m.removing[e.ID]; ok {
			continue
		}
		ids = append(ids, e.ID)
	}
	return ids
}

func (m *Manager) startBatch(entries []Entry) {
	ctx := m.baseContext()
	ids := make([]string, 0, len(entries))
	var batchWG sync.WaitGroup
	for _, e := range entries {
		e := e
		ids = append(ids, e.ID)
		batchWG.Add(1)
		m.spawn(func() {
			defer batchWG.Done()
			m.run(ctx, e.ID)
		})
	}
	if m.opts.OnBatchComplete == nil {
		return
	}
	m.spawn(func() {
		batchWG.Wait()
		m.opts.OnBatchComplete(ids)
	})
}

// RetryEntry starts a new attempt for id when CanRetry allows it and is a
// no-op otherwise. It reports whether an attempt was started.
func (m *Manager) RetryEntry(id string) bool {
	m.mu.Lock()
	idx := indexOf(m.entries, id)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	e := m.entries[idx]
	if e.State.Status != StatusError || !m.belowRetryLimit(e.Tries) {
		m.mu.Unlock()
		return false
	}
	m.entries = reduce(m.entries, action{kind: actionRetry, id: id})
	ctx := m.baseCtx
	m.mu.Unlock()

	log.Info().Str("entry_id", id).Int("tries", e.Tries+1).Msg("manual retry")
	m.spawn(func() { m.run(ctx, id) })
	return true
}

// RemoveEntry detaches id from the manager after the OnRemove hook has
// returned. In-flight uploads are not cancelled; their outcome is dropped.
// Removing an unknown id is a no-op, and a concurrent second call waits for
// the first one instead of running the hook again. The entry is removed
// even when the hook fails; the hook error is returned.
func (m *Manager) RemoveEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	if done, ok := m.removing[id]; ok {
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}
	idx := indexOf(m.entries, id)
	if idx < 0 {
		m.mu.Unlock()
		return nil
	}
	e := m.entries[idx]
	done := make(chan struct{})
	m.removing[id] = done
	m.mu.Unlock()

	var hookErr error
	if m.opts.OnRemove != nil {
		if err := m.opts.OnRemove(ctx, e); err != nil {
			hookErr = fmt.Errorf("on remove hook: %w", err)
		}
	}

	m.mu.Lock()
	m.entries = reduce(m.entries, action{kind: actionRemove, id: id})
	delete(m.removing, id)
	close(done)
	m.mu.Unlock()

	log.Debug().Str("entry_id", id).Str("status", string(e.State.Status)).Msg("entry removed")
	return hookErr
}

// WaitAll blocks until all background uploads and hooks finish or the
// context is done. Returns true if everything finished.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) spawn(fn func()) {
	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		fn()
	}()
}
