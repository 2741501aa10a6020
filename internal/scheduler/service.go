package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "bonusvarsel/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config mirrors the schedule section of the application config.
type Config struct {
	Spec       string
	Timezone   string
	RunOnStart bool
}

// Job is one scheduled unit of work. trigger is "cron" or "startup".
type Job func(ctx context.Context, trigger string) error

type Service struct {
	log    logx.Logger
	job    Job
	parser cron.Parser

	mu    sync.Mutex
	cfg   Config
	spec  ParsedSpec
	loc   *time.Location
	c     *cron.Cron
	entry cron.EntryID
	ctx   context.Context

	// runMu serializes runs from every trigger source.
	runMu sync.Mutex
}

func New(cfg Config, job Job, log logx.Logger) (*Service, error) {
	if job == nil {
		return nil, fmt.Errorf("scheduler: job is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log,
		job: job,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	spec, loc, err := s.resolve(cfg)
	if err != nil {
		return nil, err
	}
	s.cfg, s.spec, s.loc = cfg, spec, loc
	return s, nil
}

func (s *Service) resolve(cfg Config) (ParsedSpec, *time.Location, error) {
	spec, err := ParseSchedule(cfg.Spec)
	if err != nil {
		return ParsedSpec{}, nil, err
	}
	if _, err := s.parser.Parse(spec.CronSpec()); err != nil {
		return ParsedSpec{}, nil, fmt.Errorf("invalid schedule %q: %w", cfg.Spec, err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return ParsedSpec{}, nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	return spec, loc, nil
}

// Start begins triggering. Jobs receive ctx; cancel it (or call Stop) to end.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()

	if s.cfg.RunOnStart {
		go s.run("startup")
	}
}

func (s *Service) startLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	eid, err := s.c.AddFunc(s.spec.CronSpec(), func() { s.run("cron") })
	if err != nil {
		// resolve already parsed the spec with the same parser.
		s.log.Error("schedule registration failed", logx.Err(err))
	}
	s.entry = eid
	s.c.Start()

	next := time.Time{}
	if e := s.c.Entry(eid); e.Valid() {
		next = e.Next
	}
	s.log.Info("scheduler started",
		logx.String("spec", s.spec.CronSpec()),
		logx.String("source", s.spec.Source),
		logx.String("tz", s.loc.String()),
		logx.Time("next", next))
}

// Apply switches to a new schedule or timezone. Invalid configs are rejected
// and the current schedule stays.
func (s *Service) Apply(cfg Config) error {
	spec, loc, err := s.resolve(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := spec.CronSpec() != s.spec.CronSpec() || loc.String() != s.loc.String()
	s.cfg, s.spec, s.loc = cfg, spec, loc
	if s.c == nil || !changed {
		return nil
	}
	// A job in flight keeps running; the new cron instance waits on runMu.
	s.c.Stop()
	s.startLocked()
	return nil
}

// Next returns the next scheduled trigger, or zero when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Stop halts triggering and waits for a running job until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; job still running", logx.Err(ctx.Err()))
	}
}

func (s *Service) run(trigger string) {
	if !s.runMu.TryLock() {
		s.log.Warn("run skipped; previous run still in progress", logx.String("trigger", trigger))
		return
	}
	defer s.runMu.Unlock()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := s.job(ctx, trigger); err != nil {
		s.log.Error("scheduled run failed", logx.String("trigger", trigger), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled run done", logx.String("trigger", trigger), logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
