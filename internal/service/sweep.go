package service

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// SweepExpired times out in-progress sessions whose allowed time has passed.
// At most batch sessions are examined, with up to concurrency checks in
// flight. It returns how many sessions this call timed out.
func (s *ExamSessionService) SweepExpired(ctx context.Context, batch, concurrency int) (int, error) {
	if batch < 1 {
		batch = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}

	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	ids, err := s.store.ListExpiredSessionIDs(listCtx, s.now(), batch)
	cancel()
	if err != nil {
		return 0, s.storeErr(err, "")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var timedOut atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range ids {
		g.Go(func() error {
			_, done, err := s.CheckTimeout(gctx, id)
			if err != nil {
				// One failing session must not stop the rest of the batch.
				s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Timeout check failed")
				return nil
			}
			if done {
				timedOut.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(timedOut.Load())
	s.metrics.SweptExpired(n)
	if n > 0 {
		s.log.Info().Int("candidates", len(ids)).Int("timed_out", n).Msg("Timeout sweep finished")
	}
	return n, nil
}
