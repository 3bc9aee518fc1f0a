// Package report drives a report through its status lifecycle and runs the
// artifact generation passes. Every write is a compare-and-swap on the
// report version; no lock is held while generators run.
package report

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adreport-cli/internal/assemble"
	"github.com/sells-group/adreport-cli/internal/metrics"
	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/resilience"
	"github.com/sells-group/adreport-cli/internal/store"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed
	// from the report's current status.
	ErrInvalidTransition = eris.New("report: invalid transition")

	// ErrRetriesExhausted is returned by an automated retry of a report
	// that must not be retried without an operator.
	ErrRetriesExhausted = eris.New("report: retries exhausted")

	// ErrEmptySelection is returned when a run would select no artifact.
	ErrEmptySelection = eris.New("report: no artifact selected")

	// ErrRunAbandoned is the failure recorded for a generating report whose
	// run stopped before committing an outcome. It is retryable.
	ErrRunAbandoned = eris.New("report: run abandoned")
)

// transitions lists the allowed status changes.
var transitions = map[model.ReportStatus][]model.ReportStatus{
	model.ReportStatusPending:    {model.ReportStatusGenerating},
	model.ReportStatusGenerating: {model.ReportStatusReady, model.ReportStatusFailed},
	model.ReportStatusFailed:     {model.ReportStatusGenerating},
	model.ReportStatusReady:      {model.ReportStatusDelivered},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to model.ReportStatus) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(r *model.Report, to model.ReportStatus) error {
	if !CanTransition(r.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "report %d: %s -> %s", r.ID, r.Status, to)
	}
	return nil
}

// Store is the persistence the machine needs.
type Store interface {
	GetReport(ctx context.Context, id int64, opts ...store.ReadOption) (*model.Report, error)
	UpdateReport(ctx context.Context, r *model.Report) error
}

// Generator produces one artifact file and returns its locator.
type Generator interface {
	Generate(ctx context.Context, kind model.ArtifactKind, in *model.GenerationInput) (string, error)
}

// Assembler builds the report archive from produced artifacts.
type Assembler interface {
	Assemble(ctx context.Context, r *model.Report) (string, error)
}

// Config bounds generation.
type Config struct {
	// MaxAttempts is the number of generation passes after which a failed
	// run is no longer retried automatically.
	MaxAttempts int
	// Deadline bounds each artifact task. Zero leaves it to ctx.
	Deadline time.Duration
	// Concurrency limits parallel artifact tasks. Zero runs all at once.
	Concurrency int
}

// Machine is the report state machine.
type Machine struct {
	store     Store
	generator Generator
	assembler Assembler
	cfg       Config
	metrics   *metrics.Metrics
	newRunID  func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics records transitions and artifact outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mc *Machine) { mc.metrics = m }
}

// WithRunIDs overrides run id generation.
func WithRunIDs(fn func() string) Option {
	return func(mc *Machine) { mc.newRunID = fn }
}

// New creates a Machine.
func New(st Store, gen Generator, asm Assembler, cfg Config, opts ...Option) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	m := &Machine{
		store:     st,
		generator: gen,
		assembler: asm,
		cfg:       cfg,
		newRunID:  func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MaxAttempts returns the configured attempt bound.
func (m *Machine) MaxAttempts() int { return m.cfg.MaxAttempts }

// Get returns the current report.
func (m *Machine) Get(ctx context.Context, id int64) (*model.Report, error) {
	r, err := m.store.GetReport(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "report: get %d", id)
	}
	return r, nil
}

// Start opens a new generation run for a pending report. A nil selection
// keeps the selector flags stored on the report.
func (m *Machine) Start(ctx context.Context, id int64, sel model.Selection) (*model.Report, error) {
	r, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(r, model.ReportStatusGenerating); err != nil {
		return nil, err
	}

	next := r.Clone()
	if sel != nil {
		if err := sel.Validate(); err != nil {
			return nil, eris.Wrap(err, "report: start")
		}
		next.Artifacts = sel.Apply()
	} else {
		for _, k := range model.ArtifactKinds {
			next.Artifacts[k] = model.ArtifactSlot{Selected: r.Artifacts[k].Selected}
		}
	}
	if len(next.Artifacts.Selected()) == 0 {
		return nil, eris.Wrapf(ErrEmptySelection, "report %d", id)
	}

	next.Status = model.ReportStatusGenerating
	next.RunID = m.newRunID()
	next.Attempts = 0
	next.Exhausted = false
	next.ArchiveLocator = ""
	next.Message = ""
	if err := m.commit(ctx, r.Status, next); err != nil {
		return nil, err
	}

	zap.L().Info("report: run started",
		zap.Int64("report_id", id),
		zap.String("run_id", next.RunID),
		zap.Int("artifacts", len(next.Artifacts.Selected())),
	)
	return next, nil
}

// Retry resumes a failed run. Produced artifacts are kept. An automated
// retry (force false) of an exhausted report returns ErrRetriesExhausted;
// an operator retry resets the attempt counter.
func (m *Machine) Retry(ctx context.Context, id int64, force bool) (*model.Report, error) {
	r, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != model.ReportStatusFailed {
		return nil, eris.Wrapf(ErrInvalidTransition, "report %d: retry from %s", id, r.Status)
	}
	if r.Exhausted && !force {
		return nil, eris.Wrapf(ErrRetriesExhausted, "report %d after %d attempt(s)", id, r.Attempts)
	}

	next := r.Clone()
	next.Status = model.ReportStatusGenerating
	next.Message = ""
	if force {
		next.Attempts = 0
		next.Exhausted = false
	}
	if err := m.commit(ctx, r.Status, next); err != nil {
		return nil, err
	}

	zap.L().Info("report: run resumed",
		zap.Int64("report_id", id),
		zap.String("run_id", next.RunID),
		zap.Bool("force", force),
		zap.Strings("pending", kindNames(next.Artifacts.Pending())),
	)
	return next, nil
}

// Fail ends the current pass of a generating report with cause, for
// failures that happen before generation (fetching, loading). The pass
// counts as an attempt.
func (m *Machine) Fail(ctx context.Context, id int64, cause error) (*model.Report, error) {
	ctx = context.WithoutCancel(ctx)
	r, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(r, model.ReportStatusFailed); err != nil {
		return nil, err
	}

	next := r.Clone()
	next.Status = model.ReportStatusFailed
	next.Attempts++
	next.Message = cause.Error()
	next.Exhausted = !retryable(cause) || next.Attempts >= m.cfg.MaxAttempts
	if err := m.commit(ctx, r.Status, next); err != nil {
		return nil, err
	}

	zap.L().Warn("report: run failed before generation",
		zap.Int64("report_id", id),
		zap.Int("attempt", next.Attempts),
		zap.Bool("exhausted", next.Exhausted),
		zap.Error(cause),
	)
	return next, nil
}

// Abandon fails a generating report whose run will never commit, such as
// after a crash between Start and the end of the pass. The pass counts as
// an attempt and the report stays retryable until attempts run out.
// Produced artifacts are kept.
func (m *Machine) Abandon(ctx context.Context, id int64, reason string) (*model.Report, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "no outcome committed"
	}
	return m.Fail(ctx, id, eris.Wrapf(ErrRunAbandoned, "report %d: %s", id, reason))
}

func retryable(cause error) bool {
	return errors.Is(cause, ErrRunAbandoned) || resilience.ClassifyError(cause).Retryable()
}

// Deliver marks a ready report as handed over by actor.
func (m *Machine) Deliver(ctx context.Context, id int64, actor string) (*model.Report, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, eris.Wrap(model.ErrInvalid, "report: deliver needs an actor")
	}
	r, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(r, model.ReportStatusDelivered); err != nil {
		return nil, err
	}

	next := r.Clone()
	next.Status = model.ReportStatusDelivered
	next.DeliveredBy = actor
	if err := m.commit(ctx, r.Status, next); err != nil {
		return nil, err
	}
	return next, nil
}

// commit writes next with a compare-and-swap and counts the transition.
func (m *Machine) commit(ctx context.Context, from model.ReportStatus, next *model.Report) error {
	if err := m.store.UpdateReport(ctx, next); err != nil {
		return eris.Wrapf(err, "report: %d %s -> %s", next.ID, from, next.Status)
	}
	if from != next.Status {
		m.metrics.ObserveTransition(string(from), string(next.Status))
	}
	return nil
}

// ArtifactFailure is one artifact that could not be produced.
type ArtifactFailure struct {
	Kind model.ArtifactKind
	Err  error
}

// GenerationError describes a failed generation pass. Failures are in the
// order they were observed.
type GenerationError struct {
	ReportID int64
	Failures []ArtifactFailure
}

func (e *GenerationError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("report %d: generation failed", e.ReportID)
	}
	first := e.Failures[0]
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s (%v)", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s failed: %v; failed artifacts: %s", first.Kind, first.Err, strings.Join(parts, ", "))
}

// Unwrap exposes the individual causes.
func (e *GenerationError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Kinds returns the failed kinds.
func (e *GenerationError) Kinds() []model.ArtifactKind {
	out := make([]model.ArtifactKind, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Kind
	}
	return out
}

// Retryable reports whether every failure may succeed on another pass.
func (e *GenerationError) Retryable() bool {
	for _, f := range e.Failures {
		if !resilience.ClassifyError(f.Err).Retryable() {
			return false
		}
	}
	return true
}

type outcome struct {
	kind    model.ArtifactKind
	locator string
}

// Generate runs one generation pass. Only selected artifacts without a
// locator are produced; they run in parallel and every outcome is
// collected. Produced locators are persisted even if ctx is cancelled.
// When every selected artifact is present the archive is assembled and the
// report becomes ready; otherwise it becomes failed and the returned error
// is a *GenerationError. A report that is not generating is returned
// unchanged.
func (m *Machine) Generate(ctx context.Context, id int64, in *model.GenerationInput) (*model.Report, error) {
	r, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != model.ReportStatusGenerating {
		return r, nil
	}

	log := zap.L().With(zap.Int64("report_id", id), zap.String("run_id", r.RunID))
	next := r.Clone()
	next.Attempts++
	pending := next.Artifacts.Pending()
	log.Info("report: generation pass",
		zap.Int("attempt", next.Attempts),
		zap.Strings("pending", kindNames(pending)),
	)

	produced, failures := m.fanOut(ctx, r, in, pending)
	for _, o := range produced {
		slot := next.Artifacts[o.kind]
		slot.Locator = o.locator
		next.Artifacts[o.kind] = slot
	}

	// Everything from here on must reach the store.
	wctx := context.WithoutCancel(ctx)

	var genErr error
	if len(failures) == 0 {
		genErr = m.finish(wctx, next)
	} else {
		ge := &GenerationError{ReportID: id, Failures: failures}
		next.Status = model.ReportStatusFailed
		next.Message = ge.Error()
		next.Exhausted = !ge.Retryable() || next.Attempts >= m.cfg.MaxAttempts
		genErr = ge
	}

	if err := m.commit(wctx, r.Status, next); err != nil {
		return nil, err
	}

	if genErr != nil {
		log.Warn("report: generation failed",
			zap.Int("attempt", next.Attempts),
			zap.Bool("exhausted", next.Exhausted),
			zap.String("message", next.Message),
		)
		return next, genErr
	}
	log.Info("report: ready", zap.String("archive", next.ArchiveLocator))
	return next, nil
}

// finish assembles the archive into next, moving it to ready or failed.
func (m *Machine) finish(ctx context.Context, next *model.Report) error {
	loc, err := m.assembler.Assemble(ctx, next)
	if err != nil {
		var af *assemble.AssemblyFailedError
		if errors.As(err, &af) {
			// The file is gone; produce it again on the next pass.
			slot := next.Artifacts[af.Kind]
			slot.Locator = ""
			next.Artifacts[af.Kind] = slot
		}
		next.Status = model.ReportStatusFailed
		next.Message = "assembly failed: " + err.Error()
		next.Exhausted = next.Attempts >= m.cfg.MaxAttempts
		return err
	}
	next.Status = model.ReportStatusReady
	next.ArchiveLocator = loc
	next.Message = fmt.Sprintf("generated %d artifact(s): %s",
		len(next.Artifacts.Selected()), strings.Join(kindNames(next.Artifacts.Selected()), ", "))
	return nil
}

// fanOut runs one task per pending kind. Tasks never fail the group; their
// outcomes are collected instead.
func (m *Machine) fanOut(ctx context.Context, r *model.Report, in *model.GenerationInput, pending []model.ArtifactKind) ([]outcome, []ArtifactFailure) {
	if in == nil {
		in = &model.GenerationInput{}
	}
	input := *in
	input.Report = r.Clone()

	var (
		mu       sync.Mutex
		produced []outcome
		failures []ArtifactFailure
		g        errgroup.Group
	)
	if m.cfg.Concurrency > 0 {
		g.SetLimit(m.cfg.Concurrency)
	}

	for _, kind := range pending {
		g.Go(func() error {
			start := time.Now()
			loc, err := m.generateOne(ctx, kind, &input)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.metrics.ObserveArtifact(string(kind), metrics.OutcomeFailed, elapsed)
				failures = append(failures, ArtifactFailure{Kind: kind, Err: err})
				return nil
			}
			m.metrics.ObserveArtifact(string(kind), metrics.OutcomeOK, elapsed)
			produced = append(produced, outcome{kind: kind, locator: loc})
			return nil
		})
	}
	_ = g.Wait()
	return produced, failures
}

func (m *Machine) generateOne(ctx context.Context, kind model.ArtifactKind, in *model.GenerationInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Deadline)
		defer cancel()
	}
	loc, err := m.generator.Generate(ctx, kind, in)
	if err == nil && loc == "" {
		err = eris.Errorf("report: generator returned no locator for %s", kind)
	}
	return loc, err
}

func kindNames(kinds []model.ArtifactKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
