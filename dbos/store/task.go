package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// DefaultMaxRetries is the ceiling NackTask enforces before a task is
// routed to the dead-letter list. Open Question (b): fixed at 5; it is not
// read from the environment.
const DefaultMaxRetries = 5

// requeueJitter is the small delay RequeueExpiredTasks adds so a freshly
// reclaimed task does not get claimed again on the very next sweep.
const requeueJitter = 5 * time.Second

func (s *Store) putTask(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal task: %w", err)
	}
	return s.engine.Set(ctx, taskKey(t.TaskID), data, 0)
}

// ScheduleTask stores the primary record and adds it to tasks:pending
// scored by ScheduledAt.
func (s *Store) ScheduleTask(ctx context.Context, t *Task) error {
	t.Status = TaskPending
	if err := s.putTask(ctx, t); err != nil {
		return err
	}
	return s.engine.ZAdd(ctx, tasksPendingKey, t.TaskID, float64(t.ScheduledAt.Unix()))
}

// GetTask returns the primary record for taskID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := s.engine.Get(ctx, taskKey(taskID))
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("store: unmarshal task: %w", err)
	}
	return &t, nil
}

// ClaimDueTasks ranges tasks:pending for score <= now.Unix(), then moves
// each into tasks:inflight with score = now + visibility. Per §4.2 this is
// remove-then-add when the engine has no native atomic move; the
// task-recovery sweep covers a crash between the two.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, visibility time.Duration) ([]*Task, error) {
	due, err := s.engine.ZRangeByScore(ctx, tasksPendingKey, 0, float64(now.Unix()))
	if err != nil {
		return nil, err
	}

	out := make([]*Task, 0, len(due))
	for _, member := range due {
		t, err := s.GetTask(ctx, member.Member)
		if err != nil {
			continue
		}

		if err := s.engine.ZRem(ctx, tasksPendingKey, t.TaskID); err != nil {
			return out, err
		}
		t.Status = TaskInFlight
		t.VisibleAt = now.Add(visibility)
		if err := s.putTask(ctx, t); err != nil {
			return out, err
		}
		if err := s.engine.ZAdd(ctx, tasksInFlightKey, t.TaskID, float64(t.VisibleAt.Unix())); err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AckTask removes a successfully completed task from tasks:inflight and
// deletes its primary record.
func (s *Store) AckTask(ctx context.Context, taskID string) error {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	if err := s.engine.ZRem(ctx, tasksInFlightKey, taskID); err != nil {
		return err
	}
	return s.engine.Delete(ctx, taskKey(taskID))
}

// NackTask requeues a task for retry after retryDelay, or routes it to the
// dead-letter list once DefaultMaxRetries is exceeded.
func (s *Store) NackTask(ctx context.Context, taskID string, retryDelay time.Duration) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.engine.ZRem(ctx, tasksInFlightKey, taskID); err != nil {
		return err
	}

	t.RetryCount++
	if t.RetryCount > DefaultMaxRetries {
		t.Status = TaskFailed
		if err := s.putTask(ctx, t); err != nil {
			return err
		}
		return s.engine.ZAdd(ctx, tasksDeadKey, t.TaskID, float64(time.Now().Unix()))
	}

	t.Status = TaskPending
	next := time.Now().Add(retryDelay)
	if err := s.putTask(ctx, t); err != nil {
		return err
	}
	return s.engine.ZAdd(ctx, tasksPendingKey, t.TaskID, float64(next.Unix()))
}

// RequeueExpiredTasks is the task-recovery sweep: any task still in
// tasks:inflight with a visibility deadline in the past is moved back to
// tasks:pending with a small jitter to avoid immediate reprocessing.
func (s *Store) RequeueExpiredTasks(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.engine.ZRangeByScore(ctx, tasksInFlightKey, 0, float64(now.Unix()))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, member := range expired {
		t, err := s.GetTask(ctx, member.Member)
		if err != nil {
			continue
		}
		if err := s.engine.ZRem(ctx, tasksInFlightKey, t.TaskID); err != nil {
			return count, err
		}
		t.Status = TaskPending
		jitter := time.Duration(rand.Int63n(int64(requeueJitter)))
		next := now.Add(jitter)
		if err := s.putTask(ctx, t); err != nil {
			return count, err
		}
		if err := s.engine.ZAdd(ctx, tasksPendingKey, t.TaskID, float64(next.Unix())); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
