// Package cron runs named housekeeping jobs on cron schedules.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/logger"
)

// JobFunc performs one run and returns a short result for the job log.
type JobFunc func(ctx context.Context) (string, error)

type JobState struct {
	Name       string    `json:"name"`
	Expr       string    `json:"expr"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastResult string    `json:"lastResult,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	NextRunAt  time.Time `json:"nextRunAt,omitempty"`
}

type job struct {
	state JobState
	fn    JobFunc
	entry rcron.EntryID
}

type Service struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	log     zerolog.Logger
}

func NewService() *Service {
	log := logger.Component("cron")
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   rcron.New(rcron.WithSeconds(), rcron.WithChain(rcron.Recover(cronLogger{log}))),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Add registers fn under name. Expressions take a seconds field
// ("0 30 4 * * *") or a descriptor ("@every 5m").
func (s *Service) Add(name, expr string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{state: JobState{Name: name, Expr: expr}, fn: fn}
	id, err := s.cron.AddFunc(expr, func() { s.execute(s.ctx, j) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, expr, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Int("jobs", n).Msg("cron started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
}

// Stop cancels running jobs and waits up to five seconds for them.
func (s *Service) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	s.cancel()
	if !started {
		return
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("stop timeout waiting for running jobs")
	}
	s.log.Info().Msg("cron stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("job %s not found", name)
	}
	return s.execute(ctx, j)
}

func (s *Service) execute(ctx context.Context, j *job) (string, error) {
	s.log.Debug().Str("job", j.state.Name).Msg("executing job")
	result, err := j.fn(ctx)

	s.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = time.Now()
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
		j.state.LastResult = result
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("job", j.state.Name).Msg("job failed")
	} else {
		s.log.Info().Str("job", j.state.Name).Str("result", logger.Truncate(result, 100)).Msg("job done")
	}
	return result, err
}

// Jobs lists job states sorted by name.
func (s *Service) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.state
		if e := s.cron.Entry(j.entry); e.Valid() {
			st.NextRunAt = e.Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// cronLogger routes robfig/cron's internal logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
