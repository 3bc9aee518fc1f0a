// Package pipeline runs a report end to end: open or resume the run, load
// the request, fetch live campaign state, reconcile, persist the request
// projection and hand the generation input to the report state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adreport-cli/internal/campaign"
	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/reconcile"
	"github.com/sells-group/adreport-cli/internal/report"
	"github.com/sells-group/adreport-cli/internal/store"
)

// Store is the persistence the pipeline reads and writes.
type Store interface {
	GetRequest(ctx context.Context, id int64, opts ...store.ReadOption) (*model.Request, error)
	UpdateRequestProjection(ctx context.Context, id int64, deleted model.DeletedGroups, total float64) error
	GetContractDetail(ctx context.Context, id int64, opts ...store.ReadOption) (*model.ContractDetail, error)
	ListTerms(ctx context.Context, contractID int64, opts ...store.ReadOption) ([]model.Term, error)
	ListAccounts(ctx context.Context, kind model.AccountKind, opts ...store.ReadOption) ([]model.ExternalAccount, error)
	ListReports(ctx context.Context, filter store.ReportFilter) ([]model.Report, error)
}

// SnapshotFetcher reads live campaign state.
type SnapshotFetcher interface {
	FetchCampaigns(ctx context.Context, accounts []model.ExternalAccount, q campaign.Query) (model.Snapshots, error)
}

// VolumeReader looks up stored keyphrase volumes.
type VolumeReader interface {
	Volumes(ctx context.Context, phrases []string) ([]model.PhraseVolume, error)
}

// Pipeline orchestrates report runs.
type Pipeline struct {
	store         Store
	fetcher       SnapshotFetcher
	volumes       VolumeReader
	engine        *reconcile.Engine
	machine       *report.Machine
	fetchDeadline time.Duration
	lease         time.Duration
	now           func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLease enables recovery of generating reports that have not been
// written for longer than d.
func WithLease(d time.Duration) Option {
	return func(p *Pipeline) { p.lease = d }
}

// WithClock overrides the clock used for lease checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline. volumes may be nil when keyphrase volumes are not
// attached to documents.
func New(st Store, fetcher SnapshotFetcher, volumes VolumeReader, engine *reconcile.Engine, machine *report.Machine, fetchDeadline time.Duration, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:         st,
		fetcher:       fetcher,
		volumes:       volumes,
		engine:        engine,
		machine:       machine,
		fetchDeadline: fetchDeadline,
		now:           time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run starts a new run of a pending report and carries it to a terminal
// state. A nil selection uses the flags stored on the report.
func (p *Pipeline) Run(ctx context.Context, reportID int64, sel model.Selection) (*model.Report, error) {
	r, err := p.machine.Start(ctx, reportID, sel)
	if err != nil {
		return nil, err
	}
	return p.generate(ctx, r)
}

// Resume retries a failed run. force is an operator retry that ignores the
// exhausted flag.
func (p *Pipeline) Resume(ctx context.Context, reportID int64, force bool) (*model.Report, error) {
	r, err := p.machine.Retry(ctx, reportID, force)
	if err != nil {
		return nil, err
	}
	return p.generate(ctx, r)
}

func (p *Pipeline) generate(ctx context.Context, r *model.Report) (*model.Report, error) {
	in, err := p.prepare(ctx, r)
	if err != nil {
		failed, ferr := p.machine.Fail(ctx, r.ID, err)
		if ferr != nil {
			return nil, eris.Wrapf(ferr, "pipeline: record failure of report %d (cause: %v)", r.ID, err)
		}
		return failed, err
	}
	return p.machine.Generate(ctx, r.ID, in)
}

// prepare builds the generation input: the reconciled request projection
// (persisted when it changed) and everything resolved for it.
func (p *Pipeline) prepare(ctx context.Context, r *model.Report) (*model.GenerationInput, error) {
	req, err := p.store.GetRequest(ctx, r.RequestID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load request %d", r.RequestID)
	}
	contract, err := p.store.GetContractDetail(ctx, r.ContractID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load contract %d", r.ContractID)
	}
	terms, err := p.store.ListTerms(ctx, r.ContractID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load terms of contract %d", r.ContractID)
	}

	res, snaps, err := p.reconcile(ctx, req, contract, r.Artifacts)
	if err != nil {
		return nil, err
	}
	if res.Changed(*req) {
		if err := p.store.UpdateRequestProjection(ctx, req.ID, res.Request.DeletedGroups, res.Total); err != nil {
			return nil, eris.Wrapf(err, "pipeline: persist projection of request %d", req.ID)
		}
		zap.L().Info("pipeline: request reconciled",
			zap.Int64("request_id", req.ID),
			zap.Int64("report_id", r.ID),
			zap.Int("newly_deleted", res.NewlyDeleted.Len()),
			zap.Float64("total", res.Total),
		)
	}

	return &model.GenerationInput{
		Request:   res.Request,
		Contract:  *contract,
		Terms:     terms,
		Snapshots: snaps,
		Volumes:   res.PhraseVolumes,
	}, nil
}

// Reconcile computes the reconciled projection of a request without
// persisting it.
func (p *Pipeline) Reconcile(ctx context.Context, requestID int64) (*reconcile.Result, error) {
	req, err := p.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load request %d", requestID)
	}
	contract, err := p.store.GetContractDetail(ctx, req.ContractID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load contract %d", req.ContractID)
	}
	res, _, err := p.reconcile(ctx, req, contract, nil)
	return res, err
}

// reconcile fetches what the selected artifacts need. Screenshots need ads;
// the content report needs group and ad statistics for the request period.
func (p *Pipeline) reconcile(ctx context.Context, req *model.Request, contract *model.ContractDetail, artifacts model.Artifacts) (*reconcile.Result, model.Snapshots, error) {
	accounts, err := p.store.ListAccounts(ctx, model.AccountKindAds)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: load ads accounts")
	}

	content := artifacts[model.ArtifactContentReport].Selected
	q := campaign.Query{
		ClientLogin: contract.AdsClientLogin,
		CampaignIDs: req.CampaignIDs(),
		WithAds:     artifacts[model.ArtifactAdScreenshots].Selected || content,
		WithAdStats: content,
		Deadline:    p.fetchDeadline,
	}
	if content || p.engine.Policy().Name() == reconcile.PolicyExcludeDeletedSpend {
		q.From, q.To = req.StartDate, req.EndDate
	}

	var snaps model.Snapshots
	if len(q.CampaignIDs) > 0 {
		snaps, err = p.fetcher.FetchCampaigns(ctx, accounts, q)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "pipeline: fetch campaigns of request %d", req.ID)
		}
	}

	var volumes []model.PhraseVolume
	if p.volumes != nil && len(req.Keyphrases) > 0 {
		volumes, err = p.volumes.Volumes(ctx, req.Keyphrases)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "pipeline: keyphrase volumes of request %d", req.ID)
		}
	}

	return p.engine.Reconcile(*req, snaps, volumes), snaps, nil
}

// Abandon fails a generating report on operator request, regardless of the
// lease.
func (p *Pipeline) Abandon(ctx context.Context, reportID int64, reason string) (*model.Report, error) {
	return p.machine.Abandon(ctx, reportID, reason)
}

// RecoverStale fails every generating report whose last write is older than
// the lease, so that batch processing can retry it. A run still in progress
// elsewhere loses its final compare-and-swap and leaves the recovered state
// in place. It returns the number of reports recovered.
func (p *Pipeline) RecoverStale(ctx context.Context) (int64, error) {
	if p.lease <= 0 {
		return 0, nil
	}
	generating, err := p.store.ListReports(ctx, store.ReportFilter{
		Statuses: []model.ReportStatus{model.ReportStatusGenerating},
	})
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list generating reports")
	}

	cutoff := p.now().Add(-p.lease)
	var n int64
	for _, r := range generating {
		if !r.UpdatedAt.Before(cutoff) {
			continue
		}
		reason := fmt.Sprintf("run %s made no progress since %s", r.RunID, r.UpdatedAt.UTC().Format(time.RFC3339))
		if _, err := p.machine.Abandon(ctx, r.ID, reason); err != nil {
			if errors.Is(err, store.ErrConcurrentModification) || errors.Is(err, report.ErrInvalidTransition) {
				continue
			}
			return n, eris.Wrapf(err, "pipeline: recover report %d", r.ID)
		}
		n++
		zap.L().Warn("pipeline: abandoned run recovered",
			zap.Int64("report_id", r.ID),
			zap.String("run_id", r.RunID),
			zap.Time("updated_at", r.UpdatedAt),
		)
	}
	return n, nil
}

// BatchResult counts the outcomes of ProcessPending.
type BatchResult struct {
	Recovered int64 `json:"recovered"`
	Started   int64 `json:"started"`
	Resumed   int64 `json:"resumed"`
	Ready     int64 `json:"ready"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// ProcessPending first recovers generating reports past their lease, then
// runs up to limit pending reports and automatically retries up to limit
// failed reports that are not exhausted, with at most concurrency runs at a
// time. One report's failure never stops the others.
func (p *Pipeline) ProcessPending(ctx context.Context, limit, concurrency int) (*BatchResult, error) {
	recovered, err := p.RecoverStale(ctx)
	if err != nil {
		return nil, err
	}

	notExhausted := false
	pending, err := p.store.ListReports(ctx, store.ReportFilter{
		Statuses: []model.ReportStatus{model.ReportStatusPending},
		Limit:    limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list pending reports")
	}
	failed, err := p.store.ListReports(ctx, store.ReportFilter{
		Statuses:  []model.ReportStatus{model.ReportStatusFailed},
		Exhausted: &notExhausted,
		Limit:     limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list retryable reports")
	}

	zap.L().Info("pipeline: batch starting",
		zap.Int("pending", len(pending)),
		zap.Int("retryable", len(failed)),
		zap.Int("concurrency", concurrency),
	)

	var (
		res                                     BatchResult
		started, resumed, ready, failedN, skips atomic.Int64
	)
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	track := func(r *model.Report, err error, id int64) {
		switch {
		case errors.Is(err, store.ErrConcurrentModification),
			errors.Is(err, report.ErrInvalidTransition),
			errors.Is(err, report.ErrRetriesExhausted):
			skips.Add(1)
			zap.L().Debug("pipeline: report skipped", zap.Int64("report_id", id), zap.Error(err))
		case r != nil && r.Status == model.ReportStatusReady:
			ready.Add(1)
		default:
			failedN.Add(1)
			zap.L().Warn("pipeline: report failed", zap.Int64("report_id", id), zap.Error(err))
		}
	}

	for _, r := range pending {
		g.Go(func() error {
			out, err := p.Run(gctx, r.ID, nil)
			if out != nil {
				started.Add(1)
			}
			track(out, err, r.ID)
			return nil
		})
	}
	for _, r := range failed {
		g.Go(func() error {
			out, err := p.Resume(gctx, r.ID, false)
			if out != nil {
				resumed.Add(1)
			}
			track(out, err, r.ID)
			return nil
		})
	}
	_ = g.Wait()

	res.Recovered = recovered
	res.Started, res.Resumed = started.Load(), resumed.Load()
	res.Ready, res.Failed, res.Skipped = ready.Load(), failedN.Load(), skips.Load()
	zap.L().Info("pipeline: batch complete",
		zap.Int64("recovered", res.Recovered),
		zap.Int64("started", res.Started),
		zap.Int64("resumed", res.Resumed),
		zap.Int64("ready", res.Ready),
		zap.Int64("failed", res.Failed),
		zap.Int64("skipped", res.Skipped),
	)
	return &res, ctx.Err()
}
