package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textFile(name string) File {
	return File{Name: name, Size: 4, ContentType: "text/plain", Payload: BytesPayload("data")}
}

func textFiles(names ...string) []File {
	files := make([]File, 0, len(names))
	for _, n := range names {
		files = append(files, textFile(n))
	}
	return files
}

func waitAll(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, m.WaitAll(ctx), "background work did not finish")
}

// newBlockedManager returns a manager whose uploads succeed only after the
// returned release function has been called.
func newBlockedManager(t *testing.T, opts Options) (*Manager, func()) {
	t.Helper()
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }

	m := NewManager(UploaderFunc(func(ctx context.Context, e Entry) (Result, error) {
		select {
		case <-gate:
			return Result{Location: "mem://" + e.FileName}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}), opts)
	t.Cleanup(func() {
		release()
		waitAll(t, m)
	})
	return m, release
}

func failingUploader(attempts *atomic.Int32, err error) UploaderFunc {
	return func(context.Context, Entry) (Result, error) {
		attempts.Add(1)
		return Result{}, err
	}
}

func entryNames(entries []Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.FileName)
	}
	return names
}

func TestAcceptBatchCreatesPendingEntries(t *testing.T) {
	m, _ := newBlockedManager(t, Options{})

	created, err := m.AcceptBatch(context.Background(), textFiles("a.txt", "b.txt"))
	require.NoError(t, err)
	require.Len(t, created, 2)

	entries := m.Entries()
	assert.Equal(t, []string{"a.txt", "b.txt"}, entryNames(entries))
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, 1, e.Tries)
		assert.Equal(t, StatusPending, e.State.Status)
		assert.NoError(t, e.State.Err)
	}
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
	assert.False(t, m.IsInvalid())
}

func TestAcceptBatchEmpty(t *testing.T) {
	m, _ := newBlockedManager(t, Options{})
	_, err := m.AcceptBatch(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoFiles)
}

func TestRejectPolicyTruncatesBatch(t *testing.T) {
	m, _ := newBlockedManager(t, Options{Validation: Limits{MaxFiles: 3}})

	created, err := m.AcceptBatch(context.Background(), textFiles("1", "2", "3", "4", "5"))
	require.NoError(t, err)
	require.Len(t, created, 3)

	assert.Equal(t, []string{"1", "2", "3"}, entryNames(m.Entries()))
	assert.Equal(t, "You can upload at most 3 files.", m.RootError())
	assert.True(t, m.IsInvalid())
}

func TestShiftPolicyEvictsOldest(t *testing.T) {
	m, _ := newBlockedManager(t, Options{
		Validation:      Limits{MaxFiles: 2},
		ShiftOnMaxFiles: true,
	})

	_, err := m.AcceptBatch(context.Background(), textFiles("A", "B"))
	require.NoError(t, err)
	_, err = m.AcceptBatch(context.Background(), textFiles("C"))
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C"}, entryNames(m.Entries()))
	assert.Empty(t, m.RootError())
	assert.False(t, m.IsInvalid())
}

func TestShiftPolicyBatchLargerThanMax(t *testing.T) {
	var removed []string
	var mu sync.Mutex
	m, _ := newBlockedManager(t, Options{
		Validation:      Limits{MaxFiles: 2},
		ShiftOnMaxFiles: true,
		OnRemove: func(_ context.Context, e Entry) error {
			mu.Lock()
			removed = append(removed, e.FileName)
			mu.Unlock()
			return nil
		},
	})

	_, err := m.AcceptBatch(context.Background(), textFiles("A"))
	require.NoError(t, err)
	_, err = m.AcceptBatch(context.Background(), textFiles("B", "C", "D"))
	require.NoError(t, err)

	assert.Equal(t, []string{"C", "D"}, entryNames(m.Entries()))
	mu.Lock()
	assert.Equal(t, []string{"A"}, removed)
	mu.Unlock()
}

func TestAcceptBatchClearsRootError(t *testing.T) {
	m, _ := newBlockedManager(t, Options{Validation: Limits{MaxSize: 2}})

	_, err := m.AcceptBatch(context.Background(), textFiles("big.txt"))
	require.NoError(t, err)
	require.NotEmpty(t, m.RootError())

	_, err = m.AcceptBatch(context.Background(), []File{{Name: "ok.txt", Size: 1, ContentType: "text/plain"}})
	require.NoError(t, err)
	assert.Empty(t, m.RootError())
	assert.False(t, m.IsInvalid())
}

func TestValidationViolationsAreDeduplicated(t *testing.T) {
	m, _ := newBlockedManager(t, Options{Validation: Limits{MaxSize: 1 << 20}})

	big := File{Name: "big.bin", Size: 2 << 20, ContentType: "application/octet-stream"}
	created, err := m.AcceptBatch(context.Background(), []File{big, big, big})
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, m.Entries())
	assert.Equal(t, "File must be smaller than 1 MB.", m.RootError())
}

func TestSuccessIsRemovedAutomatically(t *testing.T) {
	var seen []Entry
	var mu sync.Mutex
	m := NewManager(UploaderFunc(func(context.Context, Entry) (Result, error) {
		return Result{Location: "ok"}, nil
	}), Options{
		OnUploadSuccess: func(e Entry) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})

	_, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
	require.NoError(t, err)
	waitAll(t, m)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, StatusSuccess, seen[0].State.Status)
	assert.Equal(t, "ok", seen[0].State.Result.Location)
	assert.NoError(t, seen[0].State.Err)
	assert.Empty(t, m.Entries())
}

func TestAutomaticRetryIsBounded(t *testing.T) {
	var attempts atomic.Int32
	m := NewManager(failingUploader(&attempts, errors.New("boom")), Options{
		AutoRetry:     true,
		MaxRetryCount: 2,
	})

	_, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
	require.NoError(t, err)
	waitAll(t, m)

	assert.Equal(t, int32(2), attempts.Load())
	entries := m.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusError, entries[0].State.Status)
	assert.Equal(t, 2, entries[0].Tries)
	assert.False(t, m.CanRetry(entries[0].ID))
	assert.True(t, m.IsInvalid())
}

func TestAutomaticRetryStopsOnCancel(t *testing.T) {
	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(failingUploader(&attempts, errors.New("boom")), Options{
		AutoRetry:  true,
		RetryDelay: time.Hour,
	})
	m.SetBaseContext(ctx)

	_, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
	require.NoError(t, err)
	cancel()
	waitAll(t, m)

	entries := m.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusError, entries[0].State.Status)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestManualRetryGating(t *testing.T) {
	var attempts atomic.Int32
	m := NewManager(failingUploader(&attempts, errors.New("boom")), Options{MaxRetryCount: 3})

	created, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
	require.NoError(t, err)
	id := created[0].ID
	waitAll(t, m)

	e, ok := m.Entry(id)
	require.True(t, ok)
	assert.Equal(t, 1, e.Tries)
	require.True(t, m.CanRetry(id))

	require.True(t, m.RetryEntry(id))
	waitAll(t, m)
	e, _ = m.Entry(id)
	assert.Equal(t, 2, e.Tries)

	require.True(t, m.RetryEntry(id))
	waitAll(t, m)
	e, _ = m.Entry(id)
	assert.Equal(t, 3, e.Tries)
	assert.Equal(t, StatusError, e.State.Status)

	assert.False(t, m.CanRetry(id))
	assert.False(t, m.RetryEntry(id))
	e, _ = m.Entry(id)
	assert.Equal(t, 3, e.Tries)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestCanRetryFalseWhilePending(t *testing.T) {
	m, _ := newBlockedManager(t, Options{})

	created, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
	require.NoError(t, err)

	assert.False(t, m.CanRetry(created[0].ID))
	assert.False(t, m.RetryEntry(created[0].ID))
	assert.False(t, m.CanRetry("missing"))
	assert.False(t, m.RetryEntry("missing"))
}

func TestUnboundedRetryAlwaysPermitted(t *testing.T) {
	var attempts atomic.Int32
	m := NewManager(failingUploader(&attempts, errors.New("boom")), Options{})

	created, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
	require.NoError(t, err)
	waitAll(t, m)

	for i := 0; i < 5; i++ {
		require.True(t, m.RetryEntry(created[0].ID))
		waitAll(t, m)
	}
	e, _ := m.Entry(created[0].ID)
	assert.Equal(t, 6, e.Tries)
	assert.True(t, m.CanRetry(created[0].ID))
}

func TestFailureIsIsolated(t *testing.T) {
	gate := make(chan struct{})
	m := NewManager(UploaderFunc(func(ctx context.Context, e Entry) (Result, error) {
		if e.FileName == "bad.txt" {
			return Result{}, errors.New("boom")
		}
		select {
		case <-gate:
			return Result{}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}), Options{})
	defer func() {
		close(gate)
		waitAll(t, m)
	}()

	created, err := m.AcceptBatch(context.Background(), textFiles("good.txt", "bad.txt"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, ok := m.Entry(created[1].ID)
		return ok && e.State.Status == StatusError
	}, time.Second, 5*time.Millisecond)

	good, ok := m.Entry(created[0].ID)
	require.True(t, ok)
	assert.Equal(t, created[0].ID, good.ID)
	assert.Equal(t, 1, good.Tries)
	assert.Equal(t, StatusPending, good.State.Status)
	assert.True(t, m.IsInvalid())
}

func TestErrorShaping(t *testing.T) {
	raw := errors.New("E413")

	t.Run("shaped", func(t *testing.T) {
		var attempts atomic.Int32
		m := NewManager(failingUploader(&attempts, raw), Options{
			ShapeUploadError: func(err error) string {
				if err.Error() == "E413" {
					return "file is too large for the server"
				}
				return ""
			},
		})
		_, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
		require.NoError(t, err)
		waitAll(t, m)

		e := m.Entries()[0]
		require.Error(t, e.State.Err)
		assert.Equal(t, "file is too large for the server", e.State.Err.Error())
		assert.ErrorIs(t, e.State.Err, raw)
	})

	t.Run("shaper returns nothing", func(t *testing.T) {
		var attempts atomic.Int32
		m := NewManager(failingUploader(&attempts, raw), Options{
			ShapeUploadError: func(error) string { return "" },
		})
		_, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
		require.NoError(t, err)
		waitAll(t, m)
		assert.Same(t, raw, m.Entries()[0].State.Err)
	})

	t.Run("no shaper", func(t *testing.T) {
		var attempts atomic.Int32
		m := NewManager(failingUploader(&attempts, raw), Options{})
		_, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
		require.NoError(t, err)
		waitAll(t, m)
		assert.Same(t, raw, m.Entries()[0].State.Err)
	})
}

func TestRemoveEntryIsIdempotent(t *testing.T) {
	var hookCalls atomic.Int32
	m, _ := newBlockedManager(t, Options{
		OnRemove: func(context.Context, Entry) error {
			hookCalls.Add(1)
			return nil
		},
	})

	created, err := m.AcceptBatch(context.Background(), textFiles("a.txt", "b.txt"))
	require.NoError(t, err)
	id := created[0].ID

	require.NoError(t, m.RemoveEntry(context.Background(), id))
	require.NoError(t, m.RemoveEntry(context.Background(), id))

	_, ok := m.Entry(id)
	assert.False(t, ok)
	assert.Equal(t, []string{"b.txt"}, entryNames(m.Entries()))
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestConcurrentRemoveRunsHookOnce(t *testing.T) {
	var hookCalls atomic.Int32
	hookGate := make(chan struct{})
	m, _ := newBlockedManager(t, Options{
		OnRemove: func(context.Context, Entry) error {
			hookCalls.Add(1)
			<-hookGate
			return nil
		},
	})

	created, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
	require.NoError(t, err)
	id := created[0].ID

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.RemoveEntry(context.Background(), id)
		}()
	}
	require.Eventually(t, func() bool { return hookCalls.Load() == 1 }, time.Second, time.Millisecond)
	close(hookGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Empty(t, m.Entries())
}

func TestRemoveHookErrorStillRemoves(t *testing.T) {
	hookErr := errors.New("cancel failed")
	m, _ := newBlockedManager(t, Options{
		OnRemove: func(context.Context, Entry) error { return hookErr },
	})

	created, err := m.AcceptBatch(context.Background(), textFiles("a.txt"))
	require.NoError(t, err)

	err = m.RemoveEntry(context.Background(), created[0].ID)
	require.ErrorIs(t, err, hookErr)
	assert.Empty(t, m.Entries())
}

func TestLateOutcomeForRemovedEntryIsIgnored(t *testing.T) {
	var successes atomic.Int32
	gate := make(chan struct{})
	m := NewManager(UploaderFunc(func(context.Context, Entry) (Result, error) {
		<-gate
		return Result{Location: "late"}, nil
	}), Options{
		OnUploadSuccess: func(Entry) { successes.Add(1) },
	})

	created, err := m.AcceptBatch(context.Background(), textFiles("a.txt", "b.txt"))
	require.NoError(t, err)
	require.NoError(t, m.RemoveEntry(context.Background(), created[0].ID))

	close(gate)
	waitAll(t, m)

	assert.Equal(t, int32(1), successes.Load())
	assert.Empty(t, m.Entries())
}

func TestBatchCompleteHook(t *testing.T) {
	done := make(chan []string, 1)
	var attempts atomic.Int32
	m := NewManager(UploaderFunc(func(_ context.Context, e Entry) (Result, error) {
		attempts.Add(1)
		if e.FileName == "bad.txt" {
			return Result{}, errors.New("boom")
		}
		return Result{}, nil
	}), Options{
		AutoRetry:       true,
		MaxRetryCount:   3,
		OnBatchComplete: func(ids []string) { done <- ids },
	})

	created, err := m.AcceptBatch(context.Background(), textFiles("ok.txt", "bad.txt"))
	require.NoError(t, err)

	select {
	case ids := <-done:
		assert.Equal(t, []string{created[0].ID, created[1].ID}, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("batch complete hook not called")
	}
	waitAll(t, m)
	assert.Equal(t, int32(4), attempts.Load())
}

func TestMaxConcurrentUploads(t *testing.T) {
	var running, peak atomic.Int32
	gate := make(chan struct{})
	m := NewManager(UploaderFunc(func(context.Context, Entry) (Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		running.Add(-1)
		return Result{}, nil
	}), Options{MaxConcurrentUploads: 2})

	_, err := m.AcceptBatch(context.Background(), textFiles("a", "b", "c", "d"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)

	close(gate)
	waitAll(t, m)
	assert.Equal(t, int32(2), peak.Load())
}

func TestMaxFilesCountsAfterValidation(t *testing.T) {
	for _, shift := range []bool{true, false} {
		shift := shift
		name := "reject"
		if shift {
			name = "shift"
		}
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			releaseA := make(chan struct{})

			var m *Manager
			var aID string
			validator := func(files []File, limits Limits) Validation {
				if files[0].Name == "C" {
					close(releaseA)
					require.Eventually(t, func() bool {
						_, ok := m.Entry(aID)
						return !ok
					}, 2*time.Second, 5*time.Millisecond, "A was not auto-removed")
				}
				return Validate(files, limits)
			}

			m = NewManager(UploaderFunc(func(ctx context.Context, e Entry) (Result, error) {
				if e.FileName == "A" {
					select {
					case <-releaseA:
						return Result{Location: "mem://A"}, nil
					case <-ctx.Done():
						return Result{}, ctx.Err()
					}
				}
				<-ctx.Done()
				return Result{}, ctx.Err()
			}), Options{
				Validation:      Limits{MaxFiles: 2},
				ShiftOnMaxFiles: shift,
				Validator:       validator,
			})
			m.SetBaseContext(ctx)
			t.Cleanup(func() {
				cancel()
				waitAll(t, m)
			})

			created, err := m.AcceptBatch(context.Background(), textFiles("A", "B"))
			require.NoError(t, err)
			require.Len(t, created, 2)
			aID = created[0].ID

			_, err = m.AcceptBatch(context.Background(), textFiles("C"))
			require.NoError(t, err)

			assert.Equal(t, []string{"B", "C"}, entryNames(m.Entries()))
			assert.Empty(t, m.RootError())
		})
	}
}
