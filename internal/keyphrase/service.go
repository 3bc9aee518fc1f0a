// Package keyphrase maintains the deduplicated search-volume table: one live
// row per normalized phrase, refreshed from the keyword-statistics service
// once its count is older than the freshness window.
package keyphrase

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/store"
)

// Store is the persistence the service needs.
type Store interface {
	UpsertKeyphrase(ctx context.Context, k model.Keyphrase) (*model.Keyphrase, error)
	UpsertKeyphrases(ctx context.Context, ks []model.Keyphrase) (int64, error)
	SoftDeleteKeyphrase(ctx context.Context, phrase string) (int64, error)
	GetKeyphrases(ctx context.Context, phrases []string, opts ...store.ReadOption) ([]model.Keyphrase, error)
}

// VolumeFetcher reads current volumes from the keyword-statistics service.
type VolumeFetcher interface {
	FetchVolumesAcross(ctx context.Context, accounts []model.ExternalAccount, phrases []string, regions []int64, devices []string, deadline time.Duration) ([]model.PhraseVolume, error)
}

// Config holds refresh defaults.
type Config struct {
	// Freshness is how long an ingested count is current.
	Freshness time.Duration
	// Regions and Devices scope ingests and refreshes that pass none.
	Regions []int64
	Devices []string
	// Deadline bounds each upstream call.
	Deadline time.Duration
}

// Service is the keyphrase deduplication store.
type Service struct {
	store   Store
	fetcher VolumeFetcher
	cfg     Config
	now     func() time.Time
}

// NewService creates a Service. fetcher may be nil when Refresh is unused.
func NewService(st Store, fetcher VolumeFetcher, cfg Config) *Service {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 7 * 24 * time.Hour
	}
	return &Service{
		store:   st,
		fetcher: fetcher,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ingest records one phrase's volume. A live row for the same normalized
// phrase is updated in place; otherwise a row is inserted.
func (s *Service) Ingest(ctx context.Context, phrase string, regions []int64, devices []string, count int64) (*model.Keyphrase, error) {
	k, err := s.keyphrase(phrase, regions, devices, count)
	if err != nil {
		return nil, err
	}
	out, err := s.store.UpsertKeyphrase(ctx, k)
	if err != nil {
		return nil, eris.Wrap(err, "keyphrase: ingest")
	}
	return out, nil
}

// IngestBatch records many volumes at once. Phrases repeated in the batch
// collapse to their last occurrence. Returns the number of distinct
// phrases written.
func (s *Service) IngestBatch(ctx context.Context, ks []model.Keyphrase) (int64, error) {
	batch := make([]model.Keyphrase, 0, len(ks))
	for _, k := range ks {
		k, err := s.keyphrase(k.Phrase, k.Regions, k.Devices, k.Count)
		if err != nil {
			return 0, err
		}
		batch = append(batch, k)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	n, err := s.store.UpsertKeyphrases(ctx, batch)
	if err != nil {
		return 0, eris.Wrap(err, "keyphrase: ingest batch")
	}
	return n, nil
}

func (s *Service) keyphrase(phrase string, regions []int64, devices []string, count int64) (model.Keyphrase, error) {
	norm := model.NormalizePhrase(phrase)
	if norm == "" {
		return model.Keyphrase{}, eris.Wrap(model.ErrInvalid, "keyphrase: empty phrase")
	}
	if count < 0 {
		return model.Keyphrase{}, eris.Wrapf(model.ErrInvalid, "keyphrase: negative count %d for %q", count, norm)
	}
	if regions == nil {
		regions = s.cfg.Regions
	}
	if devices == nil {
		devices = s.cfg.Devices
	}
	return model.Keyphrase{Phrase: norm, Regions: regions, Devices: devices, Count: count}, nil
}

// SoftDelete retires the live row of phrase. A later ingest of the same
// phrase creates a fresh row.
func (s *Service) SoftDelete(ctx context.Context, phrase string) error {
	norm := model.NormalizePhrase(phrase)
	n, err := s.store.SoftDeleteKeyphrase(ctx, norm)
	if err != nil {
		return eris.Wrap(err, "keyphrase: soft delete")
	}
	if n == 0 {
		return eris.Wrapf(store.ErrNotFound, "keyphrase: soft delete %q", norm)
	}
	return nil
}

// Stale returns the normalized phrases that have no live row or whose row
// was last updated more than maxAge ago. maxAge <= 0 uses the configured
// freshness.
func (s *Service) Stale(ctx context.Context, phrases []string, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.Freshness
	}
	wanted := unique(phrases)
	if len(wanted) == 0 {
		return nil, nil
	}
	live, err := s.store.GetKeyphrases(ctx, wanted)
	if err != nil {
		return nil, eris.Wrap(err, "keyphrase: stale")
	}
	updated := make(map[string]time.Time, len(live))
	for _, k := range live {
		updated[k.Phrase] = k.UpdatedAt
	}

	cutoff := s.now().Add(-maxAge)
	var out []string
	for _, p := range wanted {
		at, ok := updated[p]
		if !ok || at.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// RefreshResult summarizes a Refresh call.
type RefreshResult struct {
	Requested int   `json:"requested"`
	Fresh     int   `json:"fresh"`
	Fetched   int   `json:"fetched"`
	Written   int64 `json:"written"`
}

// Refresh fetches volumes for the stale subset of phrases and ingests them.
// Volumes fetched before an upstream failure are still written; the failure
// is returned alongside the partial result.
func (s *Service) Refresh(ctx context.Context, accounts []model.ExternalAccount, phrases []string, regions []int64, devices []string) (*RefreshResult, error) {
	if s.fetcher == nil {
		return nil, eris.New("keyphrase: refresh needs a volume fetcher")
	}
	if regions == nil {
		regions = s.cfg.Regions
	}
	if devices == nil {
		devices = s.cfg.Devices
	}

	res := &RefreshResult{Requested: len(unique(phrases))}
	stale, err := s.Stale(ctx, phrases, 0)
	if err != nil {
		return nil, err
	}
	res.Fresh = res.Requested - len(stale)
	if len(stale) == 0 {
		return res, nil
	}

	vols, fetchErr := s.fetcher.FetchVolumesAcross(ctx, accounts, stale, regions, devices, s.cfg.Deadline)
	res.Fetched = len(vols)

	if len(vols) > 0 {
		batch := make([]model.Keyphrase, 0, len(vols))
		for _, v := range vols {
			batch = append(batch, model.Keyphrase{Phrase: v.Phrase, Regions: regions, Devices: devices, Count: v.Count})
		}
		// Persist what was fetched even if the caller gave up meanwhile.
		n, err := s.IngestBatch(context.WithoutCancel(ctx), batch)
		if err != nil {
			return res, err
		}
		res.Written = n
	}

	zap.L().Info("keyphrase: refresh complete",
		zap.Int("requested", res.Requested),
		zap.Int("fresh", res.Fresh),
		zap.Int("fetched", res.Fetched),
		zap.Error(fetchErr),
	)
	if fetchErr != nil {
		return res, eris.Wrap(fetchErr, "keyphrase: refresh")
	}
	return res, nil
}

// Volumes returns the live counts of phrases. Phrases without a live row
// are omitted. It never writes.
func (s *Service) Volumes(ctx context.Context, phrases []string) ([]model.PhraseVolume, error) {
	wanted := unique(phrases)
	if len(wanted) == 0 {
		return nil, nil
	}
	live, err := s.store.GetKeyphrases(ctx, wanted)
	if err != nil {
		return nil, eris.Wrap(err, "keyphrase: volumes")
	}
	out := make([]model.PhraseVolume, 0, len(live))
	for _, k := range live {
		out = append(out, model.PhraseVolume{Phrase: k.Phrase, Count: k.Count})
	}
	return out, nil
}

func unique(phrases []string) []string {
	seen := make(map[string]bool, len(phrases))
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		n := model.NormalizePhrase(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
