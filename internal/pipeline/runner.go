// Package pipeline runs one collect, diff and notify pass.
//
// A run is sequential: campaigns are fetched before shops, and nothing is
// persisted unless both listings were fetched completely.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/delta"
	"bonusvarsel/internal/eventbus"
	"bonusvarsel/internal/ledger"
	"bonusvarsel/internal/notifier"
	"bonusvarsel/internal/storage"
	"bonusvarsel/internal/upstream"
	logx "bonusvarsel/pkg/logx"

	"github.com/google/uuid"
)

// ErrNoDispatcher is returned when a message is due but no dispatcher is set.
var ErrNoDispatcher = errors.New("pipeline: no notification dispatcher configured")

// Upstream listing paths.
const (
	CampaignsPath = "/api/v1/campaigns"
	ShopsPath     = "/api/v1/shops"
)

// Dispatcher delivers one formatted message.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) error
}

type Config struct {
	APIBase        string
	Meta           catalog.Meta
	Language       string
	PerPage        int
	CampaignAmount int
	MaxPages       int

	Policy ledger.Policy
	TTL    time.Duration
	// Force sends a message even when nothing is new.
	Force  bool
	Header notifier.Header

	// Cache is recorded in the run report.
	Cache storage.CacheInfo
}

// Options are per-run overrides.
type Options struct {
	Trigger string
	Force   bool
}

type Runner struct {
	cfg    Config
	fetch  upstream.Getter
	store  storage.Store
	notify Dispatcher
	bus    eventbus.Bus
	log    logx.Logger

	now   func() time.Time
	newID func() string
}

func New(cfg Config, fetch upstream.Getter, store storage.Store, notify Dispatcher, log logx.Logger, bus eventbus.Bus) (*Runner, error) {
	if fetch == nil {
		return nil, errors.New("pipeline: nil fetcher")
	}
	if store == nil {
		return nil, errors.New("pipeline: nil store")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Policy == "" {
		cfg.Policy = ledger.PolicyAll
	}
	if cfg.TTL <= 0 {
		cfg.TTL = ledger.DefaultTTL
	}
	return &Runner{
		cfg:    cfg,
		fetch:  fetch,
		store:  store,
		notify: notify,
		bus:    bus,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// listing is one fully fetched kind.
type listing struct {
	kind  catalog.Kind
	pages int
	raw   []any
}

// Run executes one pass and returns its report. The report is returned even
// on failure when the run got far enough to produce one.
func (r *Runner) Run(ctx context.Context, opts Options) (storage.Report, error) {
	force := r.cfg.Force || opts.Force
	rep := storage.Report{
		RunID:     r.newID(),
		StartedAt: r.now().UTC(),
		APIBase:   r.cfg.APIBase,
		Params:    r.params(),
		Cache:     r.cfg.Cache,
		Notify:    storage.NotifyInfo{Policy: string(r.cfg.Policy), Forced: force},
	}
	log := r.log.With(logx.String("run_id", rep.RunID))
	eventbus.Publish(r.bus, eventbus.RunStarted, eventbus.RunEvent{RunID: rep.RunID, Trigger: opts.Trigger, Forced: force})
	log.Info("run started", logx.String("trigger", opts.Trigger), logx.Bool("forced", force))

	err := r.run(ctx, log, &rep, force)
	rep.FinishedAt = r.now().UTC()
	took := rep.FinishedAt.Sub(rep.StartedAt)

	if err != nil {
		eventbus.Publish(r.bus, eventbus.RunFailed, eventbus.RunEvent{RunID: rep.RunID, Trigger: opts.Trigger, Forced: force, Took: took, Error: err.Error()})
		log.Error("run failed", logx.Duration("took", took), logx.Err(err))
		return rep, err
	}
	eventbus.Publish(r.bus, eventbus.RunFinished, eventbus.RunEvent{RunID: rep.RunID, Trigger: opts.Trigger, Forced: force, Took: took, Notified: rep.Notify.Sent})
	log.Info("run finished",
		logx.Duration("took", took),
		logx.Int("campaigns", rep.Counts.Campaigns),
		logx.Int("shops", rep.Counts.Shops),
		logx.Int("notified", rep.Notify.Sent))
	return rep, nil
}

func (r *Runner) run(ctx context.Context, log logx.Logger, rep *storage.Report, force bool) error {
	// Fetch everything before writing anything.
	campaigns, err := r.collect(ctx, catalog.KindCampaign)
	if err != nil {
		return err
	}
	shops, err := r.collect(ctx, catalog.KindShop)
	if err != nil {
		return err
	}

	rep.Counts.Campaigns, rep.Counts.CampaignPages = len(campaigns.raw), campaigns.pages
	rep.Counts.Shops, rep.Counts.ShopPages = len(shops.raw), shops.pages

	if rep.Campaigns, rep.Counts.DroppedCampaigns, err = r.snapshot(ctx, log, campaigns); err != nil {
		return err
	}
	if rep.Shops, rep.Counts.DroppedShops, err = r.snapshot(ctx, log, shops); err != nil {
		return err
	}

	notifyErr := r.notifyStage(ctx, log, rep, force)
	if notifyErr != nil && errors.Is(notifyErr, errLedger) {
		return notifyErr
	}

	if err := r.store.SaveReport(ctx, *rep); err != nil {
		return errors.Join(notifyErr, fmt.Errorf("save report: %w", err))
	}
	return notifyErr
}

func (r *Runner) collect(ctx context.Context, kind catalog.Kind) (listing, error) {
	q := upstream.Query{
		Channel:  r.cfg.Meta.Channel,
		Language: r.cfg.Language,
		Country:  r.cfg.Meta.Country,
		PerPage:  r.cfg.PerPage,
	}
	path := ShopsPath
	if kind == catalog.KindCampaign {
		path = CampaignsPath
		q.Amount = r.cfg.CampaignAmount
	}
	first, err := upstream.BuildURL(r.cfg.APIBase, path, q)
	if err != nil {
		return listing{}, err
	}
	pg, err := upstream.NewPaginator(r.fetch, r.cfg.APIBase, r.cfg.MaxPages, r.log)
	if err != nil {
		return listing{}, err
	}
	pages, err := pg.FetchAll(ctx, first)
	if err != nil {
		return listing{}, fmt.Errorf("fetch %s: %w", kind.Plural(), err)
	}
	return listing{kind: kind, pages: len(pages), raw: upstream.Flatten(pages)}, nil
}

// snapshot normalizes l, diffs it against the stored snapshot and replaces
// the stored one.
func (r *Runner) snapshot(ctx context.Context, log logx.Logger, l listing) (delta.Delta, int, error) {
	entities, dropped := catalog.NormalizeAll(l.raw, l.kind, r.cfg.Meta)
	if dropped > 0 {
		log.Warn("records without identity dropped", logx.String("kind", string(l.kind)), logx.Int("dropped", dropped))
	}

	prev, err := r.store.LoadSnapshot(ctx, l.kind)
	if err != nil {
		return delta.Delta{}, dropped, fmt.Errorf("load %s snapshot: %w", l.kind.Plural(), err)
	}
	d := delta.Diff(prev, entities)
	if d.Summary.Unchanged < 0 {
		log.Warn("negative unchanged count; upstream listing is inconsistent",
			logx.String("kind", string(l.kind)), logx.Int("unchanged", d.Summary.Unchanged))
	}

	snap := catalog.Snapshot{
		Kind:      l.kind,
		FetchedAt: r.now().UTC(),
		Params:    r.params(),
		Pages:     l.pages,
		Entities:  entities,
	}
	if err := r.store.SaveSnapshot(ctx, snap, l.raw); err != nil {
		return d, dropped, fmt.Errorf("save %s snapshot: %w", l.kind.Plural(), err)
	}
	log.Info("snapshot saved",
		logx.String("kind", string(l.kind)),
		logx.Int("entities", len(entities)),
		logx.Int("added", d.Summary.Added),
		logx.Int("updated", d.Summary.Updated),
		logx.Int("removed", d.Summary.Removed))
	return d, dropped, nil
}

var errLedger = errors.New("ledger")

// notifyStage filters candidate events through the ledger, dispatches and
// always rewrites the ledger. Events of an undelivered message are held as
// pending and join the next run's candidates. Ledger failures wrap errLedger.
func (r *Runner) notifyStage(ctx context.Context, log logx.Logger, rep *storage.Report, force bool) error {
	stored, err := r.store.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %w", errLedger, err)
	}
	pending, err := r.store.LoadPending(ctx)
	rewritePending := len(pending) > 0
	if err != nil {
		log.Warn("pending events unreadable, dropping them", logx.Err(err))
		pending, rewritePending = nil, true
	}

	now := r.now()
	fresh := append(
		ledger.EventsFromDelta(catalog.KindCampaign, rep.Campaigns, r.cfg.Policy),
		ledger.EventsFromDelta(catalog.KindShop, rep.Shops, r.cfg.Policy)...,
	)
	candidates := ledger.MergePending(fresh, pending)
	before := len(stored)
	unsent, next := ledger.FilterUnsent(candidates, stored, now, r.cfg.TTL)
	rep.Notify.Candidates = len(candidates)
	rep.Notify.Retried = len(candidates) - len(fresh)
	rep.Notify.Unsent = len(unsent)
	rep.Notify.Pruned = max(0, before-len(next))

	var sendErr error
	var hold []ledger.Event
	switch {
	case len(unsent) == 0 && !force:
		log.Info("nothing new to notify", logx.Int("candidates", len(candidates)))
	case len(unsent) == 0:
		rep.Notify.Quiet = true
		sendErr = r.dispatch(ctx, notifier.FormatQuiet(r.cfg.Header))
	default:
		sendErr = r.dispatch(ctx, notifier.Format(r.cfg.Header, unsent, now))
		if sendErr == nil {
			next.MarkSent(unsent, now)
			rep.Notify.Sent = len(unsent)
		} else {
			hold = unsent
		}
	}
	if sendErr != nil {
		log.Error("notification not delivered; events held for the next run", logx.Int("events", len(unsent)), logx.Err(sendErr))
	}
	rep.Notify.Pending = len(hold)

	if err := r.store.SaveLedger(ctx, next); err != nil {
		return errors.Join(sendErr, fmt.Errorf("%w: save: %w", errLedger, err))
	}
	if len(hold) > 0 || rewritePending {
		if err := r.store.SavePending(ctx, hold); err != nil {
			return errors.Join(sendErr, fmt.Errorf("%w: save pending: %w", errLedger, err))
		}
	}
	return sendErr
}

func (r *Runner) dispatch(ctx context.Context, text string) error {
	if r.notify == nil {
		return ErrNoDispatcher
	}
	return r.notify.Dispatch(ctx, text)
}

func (r *Runner) params() catalog.Params {
	return catalog.Params{
		APIBase:  r.cfg.APIBase,
		Program:  r.cfg.Meta.Program,
		Channel:  r.cfg.Meta.Channel,
		Language: r.cfg.Language,
		Country:  r.cfg.Meta.Country,
		PerPage:  r.cfg.PerPage,
	}
}

// SummaryJSON renders the compact run summary printed by the CLI.
func SummaryJSON(rep storage.Report) ([]byte, error) {
	return json.MarshalIndent(struct {
		RunID   string             `json:"runId"`
		Summary storage.Summaries  `json:"summary"`
		Counts  storage.Counts     `json:"counts"`
		Notify  storage.NotifyInfo `json:"notify"`
	}{rep.RunID, rep.Summaries(), rep.Counts, rep.Notify}, "", "  ")
}
