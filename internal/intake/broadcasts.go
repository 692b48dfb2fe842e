package intake

import (
	"context"
	"time"

	"cbalert/internal/storage"
	"cbalert/internal/task/runner"
	logx "cbalert/pkg/logx"
)

// DeleteBroadcast queues removal of one stored alert. The store decrements the
// unread count itself when decrementUnread is set.
func (s *Service) DeleteBroadcast(ctx context.Context, id int64, decrementUnread bool) error {
	return s.submit(ctx, runner.Delete{ID: id, DecrementUnread: decrementUnread}, nil)
}

// DeleteAllBroadcasts queues removal of every stored alert. The store resets
// the unread count on success.
func (s *Service) DeleteAllBroadcasts(ctx context.Context) error {
	return s.submit(ctx, runner.DeleteAll{}, nil)
}

// MarkBroadcastRead queues a read-flag update for rows whose selector column
// equals value. The unread count is decremented once when the update matched
// a row and decrementUnread is set.
func (s *Service) MarkBroadcastRead(ctx context.Context, sel storage.Selector, value int64, decrementUnread bool) error {
	var onChanged func()
	if decrementUnread && s.unread != nil {
		onChanged = s.unread.Decrement
	}
	return s.submit(ctx, runner.MarkRead{Selector: sel, Value: value}, onChanged)
}

func (s *Service) submit(ctx context.Context, m runner.Mutation, onChanged func()) error {
	ch, err := s.runner.Run(ctx, m)
	if err != nil {
		s.log.Error("failed to queue mutation", logx.String("kind", m.Kind()), logx.Err(err))
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(s.resultTimeout)
		defer t.Stop()
		select {
		case res := <-ch:
			if res.Err == nil && res.Changed && onChanged != nil {
				onChanged()
			}
		case <-t.C:
			s.log.Warn("mutation did not complete in time", logx.String("kind", m.Kind()), logx.Duration("timeout", s.resultTimeout))
		}
	}()
	return nil
}
