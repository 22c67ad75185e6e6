package upload

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// run drives one entry from Pending until it settles. Automatic retries stay
// inside this loop; a manual retry starts a fresh run.
func (m *Manager) run(ctx context.Context, id string) {
	for {
		e, ok := m.Entry(id)
		if !ok {
			return
		}

		result, err := m.attempt(ctx, e)
		if err == nil {
			m.succeed(ctx, id, result)
			return
		}

		if m.opts.AutoRetry && m.belowRetryLimit(e.Tries) && ctx.Err() == nil {
			log.Warn().Str("entry_id", id).Int("tries", e.Tries).Err(err).Msg("upload failed, retrying")
			if !m.wait(ctx, m.opts.RetryDelay) {
				m.fail(id, e.Tries, err)
				return
			}
			if !m.dispatch(action{kind: actionRetry, id: id}) {
				return
			}
			continue
		}

		m.fail(id, e.Tries, err)
		return
	}
}

func (m *Manager) attempt(ctx context.Context, e Entry) (Result, error) {
	if m.semaphore != nil {
		select {
		case m.semaphore <- struct{}{}:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		defer func() { <-m.semaphore }()
	}
	return m.uploader.Upload(ctx, e)
}

func (m *Manager) succeed(ctx context.Context, id string, result Result) {
	if !m.dispatch(action{kind: actionSucceed, id: id, result: result}) {
		log.Debug().Str("entry_id", id).Msg("upload finished for removed entry")
		return
	}
	log.Info().Str("entry_id", id).Str("location", result.Location).Msg("upload succeeded")

	if m.opts.OnUploadSuccess != nil {
		if e, ok := m.Entry(id); ok {
			m.opts.OnUploadSuccess(e)
		}
	}
	m.spawn(func() {
		if err := m.RemoveEntry(ctx, id); err != nil {
			log.Warn().Str("entry_id", id).Err(err).Msg("auto remove after success failed")
		}
	})
}

func (m *Manager) fail(id string, tries int, raw error) {
	shaped := shapeError(m.opts.ShapeUploadError, raw)
	if !m.dispatch(action{kind: actionFail, id: id, err: shaped}) {
		log.Debug().Str("entry_id", id).Msg("upload failed for removed entry")
		return
	}
	log.Warn().Str("entry_id", id).Int("tries", tries).Err(raw).Msg("upload failed")
}

// wait pauses for d unless ctx ends first.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
