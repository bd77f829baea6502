// Package scheduler implements C7: a single-leader periodic task runner.
// Leadership is a Redis SET NX PX lease (15s TTL) renewed on every 1s
// tick, the same locking idiom pkg/lifecycle uses for dedupe, applied
// here to task
// coordination across replicas of the same process (spec.md §4.7).
// Within-process task ordering is deterministic by construction — tasks
// run in registration order on every tick — mirroring the teacher's
// kernel.InMemoryScheduler stable-ordering discipline without needing
// its heap, since this scheduler dispatches a short fixed task list
// rather than an open-ended event stream.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// leaderLock is the narrow Redis surface leader election needs.
type leaderLock interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// renewScript extends the lease only if it is still held by this node,
// so a node that lost leadership (lease expired and another node took
// it) can never clobber the new leader's lease.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const leaderKey = "scheduler:leader"

// Task is one periodic job. Run should be idempotent: a missed tick, a
// leadership handoff mid-run, or an overlapping run after a slow
// previous one must not corrupt state.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// TaskStatus reports one task's last execution, surfaced by the
// /scheduler operational endpoint (spec.md supplemented features).
type TaskStatus struct {
	Name       string    `json:"name"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastErr    string    `json:"last_error,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
}

// Scheduler runs Tasks on a fixed tick, only while it holds the Redis
// leader lease.
type Scheduler struct {
	nodeID   string
	redis    leaderLock
	tasks    []Task
	leaseTTL time.Duration
	tick     time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	isLeader bool
	status   map[string]*TaskStatus
}

func New(redisClient *redis.Client, nodeID string, tasks []Task, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	status := make(map[string]*TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.Name] = &TaskStatus{Name: t.Name}
	}
	return &Scheduler{
		nodeID: nodeID, redis: redisClient, tasks: tasks,
		leaseTTL: 15 * time.Second, tick: 1 * time.Second,
		log: log, status: status,
	}
}

// Run blocks until ctx is cancelled, attempting to acquire or renew
// leadership every tick and dispatching due tasks while leader.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.relinquish(context.Background())
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	leader, err := s.acquireOrRenew(ctx)
	if err != nil {
		s.log.Error("scheduler leadership check failed", "error", err)
		return
	}

	s.mu.Lock()
	s.isLeader = leader
	s.mu.Unlock()

	if !leader {
		return
	}

	now := time.Now().UTC()
	for i := range s.tasks {
		t := s.tasks[i]
		s.mu.Lock()
		st := s.status[t.Name]
		due := st.NextRun.IsZero() || !now.Before(st.NextRun)
		s.mu.Unlock()
		if !due {
			continue
		}
		s.runTask(ctx, t)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	runErr := t.Run(ctx)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[t.Name]
	st.LastRun = now
	st.NextRun = now.Add(t.Interval)
	st.RunCount++
	if runErr != nil {
		st.ErrorCount++
		st.LastErr = runErr.Error()
		s.log.Error("scheduled task failed", "task", t.Name, "error", runErr)
	} else {
		st.LastErr = ""
	}
}

// RunNow executes one named task immediately, bypassing both its
// interval and the leadership check — the admin "runCleanupNow()"
// bypass from spec.md §4.7, exposed through the `intentd admin
// <task-name>` subcommand (not over HTTP) without requiring the caller's
// node to currently hold the scheduler lease.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, t := range s.tasks {
		if t.Name == name {
			s.runTask(ctx, t)
			return nil
		}
	}
	return fmt.Errorf("scheduler: unknown task %q", name)
}

// IsLeader reports whether this node currently holds the lease.
func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLeader
}

// Status returns a snapshot of every task's last run, for the
// /scheduler endpoint.
func (s *Scheduler) Status() (leader bool, tasks []TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *s.status[t.Name])
	}
	return s.isLeader, out
}

func (s *Scheduler) acquireOrRenew(ctx context.Context) (bool, error) {
	s.mu.Lock()
	wasLeader := s.isLeader
	s.mu.Unlock()

	if wasLeader {
		res, err := s.redis.Eval(ctx, renewScript, []string{leaderKey}, s.nodeID, s.leaseTTL.Milliseconds()).Result()
		if err != nil {
			return false, fmt.Errorf("scheduler: renew lease: %w", err)
		}
		if n, ok := res.(int64); ok && n == 1 {
			return true, nil
		}
		// Lost the lease (expired before we renewed); fall through to
		// attempt a fresh acquisition below rather than staying leader.
	}

	acquired, err := s.redis.SetNX(ctx, leaderKey, s.nodeID, s.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: acquire lease: %w", err)
	}
	return acquired, nil
}

func (s *Scheduler) relinquish(ctx context.Context) {
	s.mu.Lock()
	leader := s.isLeader
	s.mu.Unlock()
	if !leader {
		return
	}
	val, err := s.redis.Get(ctx, leaderKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}
	if val == s.nodeID {
		s.redis.Del(ctx, leaderKey)
	}
}
