package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adreport-cli/internal/assemble"
	"github.com/sells-group/adreport-cli/internal/blob"
	"github.com/sells-group/adreport-cli/internal/metrics"
	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/resilience"
	"github.com/sells-group/adreport-cli/internal/store"
)

// memStore keeps reports in memory with the same compare-and-swap rule as
// the real stores.
type memStore struct {
	mu      sync.Mutex
	reports map[int64]*model.Report
	// readBarrier, when set, blocks every GetReport until it is released.
	readBarrier *sync.WaitGroup
}

func newMemStore(reports ...*model.Report) *memStore {
	s := &memStore{reports: map[int64]*model.Report{}}
	for _, r := range reports {
		s.reports[r.ID] = r.Clone()
	}
	return s
}

func (s *memStore) GetReport(_ context.Context, id int64, _ ...store.ReadOption) (*model.Report, error) {
	s.mu.Lock()
	r, ok := s.reports[id]
	var cp *model.Report
	if ok {
		cp = r.Clone()
	}
	barrier := s.readBarrier
	s.mu.Unlock()

	if barrier != nil {
		barrier.Done()
		barrier.Wait()
	}
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "report %d", id)
	}
	return cp, nil
}

func (s *memStore) UpdateReport(ctx context.Context, r *model.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.CheckArchiveInvariant(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reports[r.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != r.Version {
		return eris.Wrapf(store.ErrConcurrentModification, "report %d", r.ID)
	}
	r.Version++
	s.reports[r.ID] = r.Clone()
	return nil
}

func (s *memStore) get(id int64) *model.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[id].Clone()
}

// fakeGenerator writes a file per kind to a blob store unless a failure or
// a custom behavior is configured for the kind.
type fakeGenerator struct {
	blobs *blob.Memory
	mu    sync.Mutex
	calls map[model.ArtifactKind]int
	fail  map[model.ArtifactKind]error
	run   map[model.ArtifactKind]func(ctx context.Context) error
}

func newFakeGenerator(blobs *blob.Memory) *fakeGenerator {
	return &fakeGenerator{
		blobs: blobs,
		calls: map[model.ArtifactKind]int{},
		fail:  map[model.ArtifactKind]error{},
		run:   map[model.ArtifactKind]func(ctx context.Context) error{},
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, kind model.ArtifactKind, in *model.GenerationInput) (string, error) {
	g.mu.Lock()
	g.calls[kind]++
	err := g.fail[kind]
	run := g.run[kind]
	g.mu.Unlock()

	if run != nil {
		if err := run(ctx); err != nil {
			return "", err
		}
	}
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("reports/%d/%s/%s.bin", in.Report.ID, in.Report.RunID, kind)
	return g.blobs.Put(context.WithoutCancel(ctx), name, []byte(kind))
}

func (g *fakeGenerator) count(kind model.ArtifactKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[kind]
}

type harness struct {
	store *memStore
	blobs *blob.Memory
	gen   *fakeGenerator
	m     *Machine
	reg   *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config, r *model.Report) *harness {
	t.Helper()
	h := &harness{store: newMemStore(r), blobs: blob.NewMemory(), reg: prometheus.NewRegistry()}
	h.gen = newFakeGenerator(h.blobs)
	h.m = New(h.store, h.gen, assemble.New(h.blobs), cfg,
		WithMetrics(metrics.New(h.reg, "test")),
		WithRunIDs(func() string { return "run-1" }),
	)
	return h
}

func pendingReport(kinds ...model.ArtifactKind) *model.Report {
	return &model.Report{
		ID:         1,
		RequestID:  2,
		ContractID: 3,
		Status:     model.ReportStatusPending,
		Artifacts:  model.Selection(kinds).Apply(),
	}
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactAct))

	r, err := h.m.Start(ctx, 1, model.Selection{model.ArtifactMediaPlan, model.ArtifactCoverLetter})
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusGenerating, r.Status)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, []model.ArtifactKind{model.ArtifactMediaPlan, model.ArtifactCoverLetter}, r.Artifacts.Selected())

	_, err = h.m.Start(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	n, err := testutil.GatherAndCount(h.reg, "test_report_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartUsesStoredSelection(t *testing.T) {
	h := newHarness(t, Config{}, pendingReport(model.ArtifactAct))
	r, err := h.m.Start(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.ArtifactKind{model.ArtifactAct}, r.Artifacts.Selected())
}

func TestStartRejectsEmptySelection(t *testing.T) {
	h := newHarness(t, Config{}, pendingReport())

	_, err := h.m.Start(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrEmptySelection)

	_, err = h.m.Start(context.Background(), 1, model.Selection{})
	assert.ErrorIs(t, err, ErrEmptySelection)

	_, err = h.m.Start(context.Background(), 1, model.Selection{"invoice"})
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.Equal(t, model.ReportStatusPending, h.store.get(1).Status)
}

func TestGenerateReady(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactMediaPlan, model.ArtifactAct))
	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)

	r, err := h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusReady, r.Status)
	assert.Equal(t, "reports/1/all_reports.zip", r.ArchiveLocator)
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.Message, "generated 2 artifact(s)")
	require.NoError(t, h.store.get(1).CheckArchiveInvariant())

	n, err := testutil.GatherAndCount(h.reg, "test_artifacts_generated_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGeneratePartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactMediaPlan, model.ArtifactAdScreenshots, model.ArtifactAct))
	h.gen.fail[model.ArtifactAdScreenshots] = resilience.NewTransientError(errors.New("capture service down"), 503)

	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)
	r, err := h.m.Generate(ctx, 1, &model.GenerationInput{})

	var ge *GenerationError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, []model.ArtifactKind{model.ArtifactAdScreenshots}, ge.Kinds())

	stored := h.store.get(1)
	assert.Equal(t, r, stored)
	assert.Equal(t, model.ReportStatusFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.Message, "ad_screenshots failed: capture service down"))
	assert.False(t, stored.Exhausted)
	assert.Empty(t, stored.ArchiveLocator)
	assert.NotEmpty(t, stored.Artifacts[model.ArtifactMediaPlan].Locator)
	assert.NotEmpty(t, stored.Artifacts[model.ArtifactAct].Locator)
	assert.Empty(t, stored.Artifacts[model.ArtifactAdScreenshots].Locator)
}

func TestGenerateMessageNamesEveryFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactMediaPlan, model.ArtifactAct))
	h.gen.fail[model.ArtifactMediaPlan] = errors.New("template missing")
	h.gen.fail[model.ArtifactAct] = errors.New("bad data")

	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)
	r, err := h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.Error(t, err)

	assert.Contains(t, r.Message, "media_plan (template missing)")
	assert.Contains(t, r.Message, "act (bad data)")
	assert.True(t, r.Exhausted, "permanent failures are not retried automatically")
}

func TestRetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactMediaPlan, model.ArtifactAct))
	h.gen.fail[model.ArtifactAct] = resilience.NewTransientError(errors.New("timeout"), 504)

	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)
	first, err := h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.Error(t, err)
	planLoc := first.Artifacts[model.ArtifactMediaPlan].Locator

	delete(h.gen.fail, model.ArtifactAct)
	_, err = h.m.Retry(ctx, 1, false)
	require.NoError(t, err)
	r, err := h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.NoError(t, err)

	assert.Equal(t, model.ReportStatusReady, r.Status)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, planLoc, r.Artifacts[model.ArtifactMediaPlan].Locator)
	assert.Equal(t, 1, h.gen.count(model.ArtifactMediaPlan))
	assert.Equal(t, 2, h.gen.count(model.ArtifactAct))
}

func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 2}, pendingReport(model.ArtifactAct))
	h.gen.fail[model.ArtifactAct] = resilience.NewTransientError(errors.New("timeout"), 504)

	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)
	r, err := h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.Error(t, err)
	assert.False(t, r.Exhausted)

	_, err = h.m.Retry(ctx, 1, false)
	require.NoError(t, err)
	r, err = h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.Error(t, err)
	assert.True(t, r.Exhausted)

	_, err = h.m.Retry(ctx, 1, false)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	r, err = h.m.Retry(ctx, 1, true)
	require.NoError(t, err)
	assert.Zero(t, r.Attempts)
	assert.False(t, r.Exhausted)
	assert.Equal(t, model.ReportStatusGenerating, r.Status)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	h := newHarness(t, Config{}, pendingReport(model.ArtifactAct))
	_, err := h.m.Retry(context.Background(), 1, true)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGenerateNoopWhenNotGenerating(t *testing.T) {
	h := newHarness(t, Config{}, pendingReport(model.ArtifactAct))
	r, err := h.m.Generate(context.Background(), 1, &model.GenerationInput{})
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusPending, r.Status)
	assert.Zero(t, h.gen.count(model.ArtifactAct))
}

func TestGenerateCancelledKeepsProducedLocators(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactMediaPlan, model.ArtifactAct))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)

	planDone := make(chan struct{})
	h.gen.run[model.ArtifactMediaPlan] = func(context.Context) error {
		defer close(planDone)
		return nil
	}
	h.gen.run[model.ArtifactAct] = func(ctx context.Context) error {
		<-planDone
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	r, err := h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.Error(t, err)

	stored := h.store.get(1)
	assert.Equal(t, r.Version, stored.Version)
	assert.Equal(t, model.ReportStatusFailed, stored.Status)
	assert.False(t, stored.Exhausted)
	assert.NotEmpty(t, stored.Artifacts[model.ArtifactMediaPlan].Locator)
	assert.Empty(t, stored.Artifacts[model.ArtifactAct].Locator)
	assert.Equal(t, resilience.ClassCancelled, resilience.ClassifyError(err))
}

func TestGenerateDeadlinePerArtifact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3, Deadline: 20 * time.Millisecond}, pendingReport(model.ArtifactAct))
	h.gen.run[model.ArtifactAct] = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)
	r, err := h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.Error(t, err)
	assert.Equal(t, model.ReportStatusFailed, r.Status)
	assert.False(t, r.Exhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type brokenAssembler struct{}

func (brokenAssembler) Assemble(_ context.Context, r *model.Report) (string, error) {
	return "", &assemble.AssemblyFailedError{
		Kind:    model.ArtifactAct,
		Locator: r.Artifacts[model.ArtifactAct].Locator,
		Err:     blob.ErrNotFound,
	}
}

func TestGenerateAssemblyFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactAct, model.ArtifactMediaPlan))
	h.m.assembler = brokenAssembler{}

	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)
	r, err := h.m.Generate(ctx, 1, &model.GenerationInput{})

	var af *assemble.AssemblyFailedError
	require.True(t, errors.As(err, &af))
	assert.Equal(t, model.ReportStatusFailed, r.Status)
	assert.True(t, strings.HasPrefix(r.Message, "assembly failed"))
	assert.Empty(t, r.Artifacts[model.ArtifactAct].Locator)
	assert.NotEmpty(t, r.Artifacts[model.ArtifactMediaPlan].Locator)
	assert.Empty(t, r.ArchiveLocator)
}

func TestConcurrentStart(t *testing.T) {
	h := newHarness(t, Config{}, pendingReport(model.ArtifactAct))
	var barrier sync.WaitGroup
	barrier.Add(2)
	h.store.readBarrier = &barrier

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.m.Start(context.Background(), 1, nil)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrConcurrentModification):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactAct))
	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)

	cause := &resilience.FetchFailedError{Service: "direct", Op: "campaigns", Attempts: 3,
		Err: resilience.NewTransientError(errors.New("connection refused"), 0)}
	r, err := h.m.Fail(ctx, 1, cause)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusFailed, r.Status)
	assert.Equal(t, cause.Error(), r.Message)
	assert.Equal(t, 1, r.Attempts)
	assert.False(t, r.Exhausted)

	_, err = h.m.Fail(ctx, 1, cause)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailAuthIsExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3}, pendingReport(model.ArtifactAct))
	_, err := h.m.Start(ctx, 1, nil)
	require.NoError(t, err)

	r, err := h.m.Fail(ctx, 1, &resilience.AuthExpiredError{Service: "direct", Account: "agency", Err: errors.New("token expired")})
	require.NoError(t, err)
	assert.True(t, r.Exhausted)
}

func TestAbandonRecoversGenerating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 2}, pendingReport(model.ArtifactAct))

	_, err := h.m.Abandon(ctx, 1, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.m.Start(ctx, 1, nil)
	require.NoError(t, err)

	r, err := h.m.Abandon(ctx, 1, "no write for 30m0s")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusFailed, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.False(t, r.Exhausted)
	assert.Contains(t, r.Message, "run abandoned")
	assert.Contains(t, r.Message, "no write for 30m0s")

	r, err = h.m.Retry(ctx, 1, false)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusGenerating, r.Status)

	r, err = h.m.Abandon(ctx, 1, "")
	require.NoError(t, err)
	assert.True(t, r.Exhausted)
	assert.Contains(t, r.Message, "no outcome committed")
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, pendingReport(model.ArtifactAct))

	_, err := h.m.Deliver(ctx, 1, "manager-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.m.Start(ctx, 1, nil)
	require.NoError(t, err)
	_, err = h.m.Generate(ctx, 1, &model.GenerationInput{})
	require.NoError(t, err)

	_, err = h.m.Deliver(ctx, 1, " ")
	assert.ErrorIs(t, err, model.ErrInvalid)

	r, err := h.m.Deliver(ctx, 1, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusDelivered, r.Status)
	assert.Equal(t, "manager-1", r.DeliveredBy)
	assert.NotEmpty(t, r.ArchiveLocator)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.ReportStatus
		want     bool
	}{
		{model.ReportStatusPending, model.ReportStatusGenerating, true},
		{model.ReportStatusGenerating, model.ReportStatusReady, true},
		{model.ReportStatusGenerating, model.ReportStatusFailed, true},
		{model.ReportStatusFailed, model.ReportStatusGenerating, true},
		{model.ReportStatusReady, model.ReportStatusDelivered, true},
		{model.ReportStatusPending, model.ReportStatusReady, false},
		{model.ReportStatusDelivered, model.ReportStatusGenerating, false},
		{model.ReportStatusFailed, model.ReportStatusReady, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
