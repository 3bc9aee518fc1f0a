// Package campaign pulls live campaign state from the ads platform and search
// volumes from the keyword-statistics service. It never writes stored state.
package campaign

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adreport-cli/internal/metrics"
	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/resilience"
	"github.com/sells-group/adreport-cli/pkg/direct"
	"github.com/sells-group/adreport-cli/pkg/wordstat"
)

// Upstream service names, used for breakers, logs and metric labels.
const (
	ServiceDirect   = "direct"
	ServiceWordstat = "wordstat"
)

// ErrNoAccount is returned when no live account of the needed kind exists.
var ErrNoAccount = eris.New("campaign: no usable account")

// DirectFactory builds an ads-platform client for one account token, acting
// for clientLogin when it is non-empty.
type DirectFactory func(token, clientLogin string) direct.Client

// WordstatFactory builds a keyword-statistics client for one account token.
type WordstatFactory func(token string) wordstat.Client

// Query selects what FetchCampaigns pulls. Group spend and statistics are
// fetched only when From is set; ads only when WithAds is true. Ad
// statistics need both and WithAdStats.
type Query struct {
	ClientLogin string
	CampaignIDs []int64
	From, To    time.Time
	WithAds     bool
	WithAdStats bool
	// Deadline bounds every single upstream call. Zero means no bound
	// beyond ctx.
	Deadline time.Duration
}

// Fetcher reads campaign snapshots and phrase volumes.
type Fetcher struct {
	newDirect   DirectFactory
	newWordstat WordstatFactory
	retry       resilience.RetryConfig
	breakers    *resilience.ServiceBreakers
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMetrics records call outcomes and breaker state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher creates a Fetcher. breakers is shared between fetchers so
// that one unhealthy service trips for every caller.
func NewFetcher(newDirect DirectFactory, newWordstat WordstatFactory, retry resilience.RetryConfig, breakers *resilience.ServiceBreakers, opts ...Option) *Fetcher {
	if breakers == nil {
		breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	f := &Fetcher{
		newDirect:   newDirect,
		newWordstat: newWordstat,
		retry:       retry,
		breakers:    breakers,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchCampaign returns the live state of one campaign and its groups.
func (f *Fetcher) FetchCampaign(ctx context.Context, account model.ExternalAccount, clientLogin string, campaignID int64, deadline time.Duration) (*model.CampaignSnapshot, error) {
	snaps, err := f.fetch(ctx, account, Query{
		ClientLogin: clientLogin,
		CampaignIDs: []int64{campaignID},
		Deadline:    deadline,
	})
	if err != nil {
		return nil, err
	}
	return snaps[campaignID], nil
}

// FetchCampaigns fetches every campaign of q, trying accounts in order and
// moving to the next account when credentials are rejected. Any other
// failure is returned at once.
func (f *Fetcher) FetchCampaigns(ctx context.Context, accounts []model.ExternalAccount, q Query) (model.Snapshots, error) {
	var lastErr error
	for _, acc := range usable(accounts, model.AccountKindAds) {
		snaps, err := f.fetch(ctx, acc, q)
		if err == nil {
			return snaps, nil
		}
		if !resilience.IsAuthExpired(err) {
			return nil, err
		}
		zap.L().Warn("campaign: account rejected, rotating",
			zap.String("login", acc.Login),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr == nil {
		return nil, eris.Wrap(ErrNoAccount, "campaign: fetch campaigns")
	}
	return nil, lastErr
}

func (f *Fetcher) fetch(ctx context.Context, account model.ExternalAccount, q Query) (model.Snapshots, error) {
	if err := account.Validate(); err != nil {
		return nil, eris.Wrap(err, "campaign: fetch")
	}
	ids := dedupe(q.CampaignIDs)
	client := f.newDirect(account.Token, q.ClientLogin)
	log := zap.L().With(zap.String("login", account.Login), zap.Int("campaigns", len(ids)))

	campaigns, err := call(ctx, f, ServiceDirect, "campaigns", account.Login, q.Deadline,
		func(ctx context.Context) ([]direct.Campaign, error) { return client.Campaigns(ctx, ids) })
	if err != nil {
		return nil, err
	}

	fetchedAt := f.now()
	snaps := make(model.Snapshots, len(ids))
	var present []int64
	for _, c := range campaigns {
		snaps[c.ID] = &model.CampaignSnapshot{
			CampaignID: c.ID,
			Name:       c.Name,
			State:      c.State,
			Groups:     []model.GroupState{},
			FetchedAt:  fetchedAt,
		}
		present = append(present, c.ID)
	}
	for _, id := range ids {
		if _, ok := snaps[id]; !ok {
			log.Info("campaign: not returned by platform", zap.Int64("campaign_id", id))
			snaps[id] = &model.CampaignSnapshot{CampaignID: id, Missing: true, FetchedAt: fetchedAt}
		}
	}
	if len(present) == 0 {
		return snaps, nil
	}

	groups, err := call(ctx, f, ServiceDirect, "adgroups", account.Login, q.Deadline,
		func(ctx context.Context) ([]direct.AdGroup, error) { return client.AdGroups(ctx, present) })
	if err != nil {
		return nil, err
	}

	to := q.To
	if to.IsZero() {
		to = fetchedAt
	}

	var groupStats map[int64]direct.Stats
	if !q.From.IsZero() {
		groupStats, err = call(ctx, f, ServiceDirect, "group_stats", account.Login, q.Deadline,
			func(ctx context.Context) (map[int64]direct.Stats, error) {
				return client.GroupStats(ctx, present, q.From, to)
			})
		if err != nil {
			return nil, err
		}
	}

	adsByGroup := map[int64][]model.AdRef{}
	if q.WithAds {
		ads, err := call(ctx, f, ServiceDirect, "ads", account.Login, q.Deadline,
			func(ctx context.Context) ([]direct.Ad, error) { return client.Ads(ctx, present) })
		if err != nil {
			return nil, err
		}
		var adStats map[int64]direct.Stats
		if q.WithAdStats && !q.From.IsZero() {
			adStats, err = call(ctx, f, ServiceDirect, "ad_stats", account.Login, q.Deadline,
				func(ctx context.Context) (map[int64]direct.Stats, error) {
					return client.AdStats(ctx, present, q.From, to)
				})
			if err != nil {
				return nil, err
			}
		}
		for _, a := range ads {
			if a.TextAd == nil || a.TextAd.Href == "" {
				continue
			}
			ref := model.AdRef{
				ID:      a.ID,
				GroupID: a.AdGroupID,
				Title:   a.TextAd.Title,
				Href:    a.TextAd.Href,
			}
			if st, ok := adStats[a.ID]; ok {
				perf := performance(st)
				ref.Stats = &perf
			}
			adsByGroup[a.AdGroupID] = append(adsByGroup[a.AdGroupID], ref)
		}
	}

	for _, g := range groups {
		snap, ok := snaps[g.CampaignID]
		if !ok || snap.Missing {
			continue
		}
		gs := model.GroupState{
			ID:     g.ID,
			Name:   g.Name,
			Status: groupStatus(snap.State, g),
			Ads:    adsByGroup[g.ID],
		}
		if st, ok := groupStats[g.ID]; ok {
			gs.Spend, gs.HasSpend = st.Cost, true
			gs.Stats = performance(st)
		}
		snap.Groups = append(snap.Groups, gs)
	}

	log.Debug("campaign: fetched",
		zap.Int("present", len(present)),
		zap.Int("groups", len(groups)),
	)
	return snaps, nil
}

// groupStatus maps a group's own status first and falls back to its
// campaign's state. An archived campaign archives every group.
func groupStatus(campaignState string, g direct.AdGroup) model.GroupStatus {
	if g.Status == "ARCHIVED" || campaignState == "ARCHIVED" {
		return model.GroupArchived
	}
	switch g.Status {
	case "DRAFT", "MODERATION", "REJECTED":
		return model.GroupPaused
	}
	switch campaignState {
	case "SUSPENDED", "OFF", "ENDED":
		return model.GroupPaused
	default:
		return model.GroupActive
	}
}

func performance(st direct.Stats) model.Performance {
	return model.Performance{
		Impressions:   st.Impressions,
		Clicks:        st.Clicks,
		BounceRate:    st.BounceRate,
		HasBounceRate: st.HasBounceRate,
	}
}

// FetchVolumes returns the monthly search volume of each phrase for the
// given scope. Phrases are normalized and deduplicated first.
func (f *Fetcher) FetchVolumes(ctx context.Context, account model.ExternalAccount, phrases []string, regions []int64, devices []string, deadline time.Duration) ([]model.PhraseVolume, error) {
	return f.FetchVolumesAcross(ctx, []model.ExternalAccount{account}, phrases, regions, devices, deadline)
}

// FetchVolumesAcross is FetchVolumes over a pool of stats accounts. An
// account whose daily quota is already spent is skipped up front. When an
// account's credentials are rejected or its quota stays exhausted after
// retries, the same phrase is retried on the next account. Volumes fetched
// before a final failure are returned together with the error.
func (f *Fetcher) FetchVolumesAcross(ctx context.Context, accounts []model.ExternalAccount, phrases []string, regions []int64, devices []string, deadline time.Duration) ([]model.PhraseVolume, error) {
	pool := usable(accounts, model.AccountKindStats)
	if len(pool) == 0 {
		return nil, eris.Wrap(ErrNoAccount, "campaign: fetch volumes")
	}

	normalized := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := model.NormalizePhrase(p); n != "" && !slices.Contains(normalized, n) {
			normalized = append(normalized, n)
		}
	}

	out := make([]model.PhraseVolume, 0, len(normalized))
	if len(normalized) == 0 {
		return out, nil
	}
	idx, client := f.openStats(ctx, pool, 0, deadline)
	for _, phrase := range normalized {
		for {
			resp, err := call(ctx, f, ServiceWordstat, "top_requests", pool[idx].Login, deadline,
				func(ctx context.Context) (*wordstat.TopRequestsResponse, error) {
					return client.TopRequests(ctx, wordstat.TopRequestsRequest{
						Phrase:  phrase,
						Regions: regions,
						Devices: devices,
					})
				})
			if err == nil {
				out = append(out, model.PhraseVolume{Phrase: phrase, Count: resp.TotalCount})
				break
			}
			class := resilience.ClassifyError(err)
			if class != resilience.ClassAuth && class != resilience.ClassRateLimited {
				return out, err
			}
			if idx+1 >= len(pool) {
				return out, err
			}
			zap.L().Warn("campaign: stats account exhausted, rotating",
				zap.String("login", pool[idx].Login),
				zap.String("class", string(class)),
			)
			idx, client = f.openStats(ctx, pool, idx+1, deadline)
		}
	}
	return out, nil
}

// openStats returns a client for the first account from idx on that has
// daily quota left. The last account is used regardless so that callers see
// the platform's own error.
func (f *Fetcher) openStats(ctx context.Context, pool []model.ExternalAccount, idx int, deadline time.Duration) (int, wordstat.Client) {
	for ; ; idx++ {
		client := f.newWordstat(pool[idx].Token)
		if idx == len(pool)-1 || f.hasQuota(ctx, client, pool[idx].Login, deadline) {
			return idx, client
		}
		zap.L().Warn("campaign: stats account has no quota left, skipping",
			zap.String("login", pool[idx].Login),
		)
	}
}

// hasQuota checks the account's remaining daily quota. A failed check does
// not rule the account out unless its credentials were rejected.
func (f *Fetcher) hasQuota(ctx context.Context, client wordstat.Client, login string, deadline time.Duration) bool {
	info, err := call(ctx, f, ServiceWordstat, "user_info", login, deadline, client.UserInfo)
	if err != nil {
		zap.L().Debug("campaign: quota check failed", zap.String("login", login), zap.Error(err))
		return !resilience.IsAuthExpired(err)
	}
	return info.DailyLimit <= 0 || info.DailyLimitRemaining > 0
}

// call runs one upstream operation under the service's breaker, the retry
// policy and the per-call deadline. Failures come back as FetchFailedError
// with the classified last cause.
func call[T any](ctx context.Context, f *Fetcher, service, op, account string, deadline time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cfg := f.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(service, op)
	}
	breaker := f.breakers.Get(service)

	v, attempts, err := resilience.DoValAttempts(ctx, cfg, func(ctx context.Context) (T, error) {
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (T, error) {
			callCtx, cancel := ctx, context.CancelFunc(func() {})
			if deadline > 0 {
				callCtx, cancel = context.WithTimeout(ctx, deadline)
			}
			defer cancel()
			v, err := fn(callCtx)
			return v, classify(service, account, err)
		})
	})

	f.metrics.ObserveFetch(service, op, string(resilience.ClassifyError(err)))
	f.metrics.SetBreakerState(service, int(breaker.State()))
	if err != nil {
		var zero T
		return zero, &resilience.FetchFailedError{Service: service, Op: op, Attempts: attempts, Err: err}
	}
	return v, nil
}

func usable(accounts []model.ExternalAccount, kind model.AccountKind) []model.ExternalAccount {
	var out []model.ExternalAccount
	for _, a := range accounts {
		if a.IsDeleted || a.Kind != kind || a.Token == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func dedupe(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
