package eval

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/chat"
	"github.com/ike1112/rag-project/internal/store"
)

// EngineSource builds or returns the chat engine for a session.
type EngineSource interface {
	Get(ctx context.Context, sess store.SessionRecord) (*chat.Engine, error)
}

// ScheduleStore is the slice of the store the scheduler polls.
type ScheduleStore interface {
	MostRecentSession(ctx context.Context) (*store.SessionRecord, error)
	LatestEvalRunTime(ctx context.Context, sessionID string) (*time.Time, error)
}

// Scheduler runs the harness against the most recently used session on
// the configured cron schedule. The redis lock keeps replicas from
// evaluating the same session twice.
type Scheduler struct {
	Sessions ScheduleStore
	Engines  EngineSource
	Harness  *Harness
	Rdb      *redis.Client
	Cfg      config.EvalConfig
	Stop     chan struct{}

	logger *log.Logger
}

func (s *Scheduler) Start() {
	if s.Cfg.Schedule == "" {
		return
	}
	s.logger = log.New(log.Writer(), "[EVAL-SCHED] ", log.LstdFlags)
	s.logger.Printf("scheduled evals enabled: %s", s.Cfg.Schedule)
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	sess, err := s.Sessions.MostRecentSession(ctx)
	if err != nil || sess == nil {
		return
	}
	last, _ := s.Sessions.LatestEvalRunTime(ctx, sess.ID)
	if !isDue(s.Cfg.Schedule, last) {
		return
	}

	// Lock TTL covers a full run at the configured per-question sleep.
	lockKey := "eval:lock:" + sess.ID
	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 30*time.Minute).Result()
		if !ok {
			return
		}
	}

	go func(sess store.SessionRecord) {
		defer func() {
			if s.Rdb != nil {
				s.Rdb.Del(ctx, lockKey)
			}
		}()
		engine, err := s.Engines.Get(ctx, sess)
		if err != nil {
			s.logger.Printf("session %s: building engine failed: %v", sess.ID, err)
			return
		}
		if _, err := s.Harness.Run(ctx, engine, s.Cfg.Dataset); err != nil {
			s.logger.Printf("session %s: scheduled run failed: %v", sess.ID, err)
		}
	}(*sess)
}

// isDue reports whether a schedule should fire given the last run time.
// Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Unparseable schedules degrade to daily.
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
