package campaign

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adreport-cli/internal/metrics"
	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/resilience"
	"github.com/sells-group/adreport-cli/pkg/direct"
	"github.com/sells-group/adreport-cli/pkg/wordstat"
)

type fakeDirect struct {
	mu        sync.Mutex
	calls     map[string]int
	campaigns func(ctx context.Context, ids []int64) ([]direct.Campaign, error)
	groups    []direct.AdGroup
	ads       []direct.Ad
	groupStat map[int64]direct.Stats
	adStat    map[int64]direct.Stats
}

func (f *fakeDirect) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
}

func (f *fakeDirect) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeDirect) Campaigns(ctx context.Context, ids []int64) ([]direct.Campaign, error) {
	f.count("campaigns")
	return f.campaigns(ctx, ids)
}

func (f *fakeDirect) AdGroups(_ context.Context, _ []int64) ([]direct.AdGroup, error) {
	f.count("adgroups")
	return f.groups, nil
}

func (f *fakeDirect) Ads(_ context.Context, _ []int64) ([]direct.Ad, error) {
	f.count("ads")
	return f.ads, nil
}

func (f *fakeDirect) GroupStats(_ context.Context, _ []int64, _, _ time.Time) (map[int64]direct.Stats, error) {
	f.count("group_stats")
	return f.groupStat, nil
}

func (f *fakeDirect) AdStats(_ context.Context, _ []int64, _, _ time.Time) (map[int64]direct.Stats, error) {
	f.count("ad_stats")
	return f.adStat, nil
}

func returning(c ...direct.Campaign) func(context.Context, []int64) ([]direct.Campaign, error) {
	return func(context.Context, []int64) ([]direct.Campaign, error) { return c, nil }
}

func failing(err error) func(context.Context, []int64) ([]direct.Campaign, error) {
	return func(context.Context, []int64) ([]direct.Campaign, error) { return nil, err }
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxRetryAfter:  5 * time.Millisecond,
		OnRetry:        func(int, error) {},
	}
}

var fixedNow = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestFetcher(byToken map[string]*fakeDirect, opts ...Option) *Fetcher {
	factory := func(token, _ string) direct.Client { return byToken[token] }
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewFetcher(factory, nil, fastRetry(),
		resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 50, ResetTimeout: time.Minute}),
		opts...)
}

func adsAccount(login, token string) model.ExternalAccount {
	return model.ExternalAccount{Kind: model.AccountKindAds, Login: login, Token: token}
}

func TestFetchCampaign(t *testing.T) {
	fake := &fakeDirect{
		campaigns: returning(direct.Campaign{ID: 101, Name: "Весна", State: "ON"}),
		groups: []direct.AdGroup{
			{ID: 1, Name: "Квартиры", CampaignID: 101},
			{ID: 2, Name: "Дома", CampaignID: 101},
		},
	}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	snap, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 101, time.Second)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "Весна", snap.Name)
	assert.False(t, snap.Missing)
	assert.Equal(t, fixedNow, snap.FetchedAt)
	require.Len(t, snap.Groups, 2)
	for _, g := range snap.Groups {
		assert.Equal(t, model.GroupActive, g.Status)
		assert.False(t, g.HasSpend)
	}
	assert.Zero(t, fake.Calls("ads"))
	assert.Zero(t, fake.Calls("group_stats"))
}

func TestFetchCampaignsWithSpendAndAds(t *testing.T) {
	fake := &fakeDirect{
		campaigns: returning(
			direct.Campaign{ID: 101, State: "ON"},
			direct.Campaign{ID: 102, State: "ARCHIVED"},
		),
		groups: []direct.AdGroup{
			{ID: 1, CampaignID: 101},
			{ID: 2, CampaignID: 101},
			{ID: 3, CampaignID: 102},
		},
		ads: []direct.Ad{
			{ID: 11, AdGroupID: 1, TextAd: &direct.TextAd{Title: "Купить", Href: "https://example.com/a"}},
			{ID: 12, AdGroupID: 1, TextAd: &direct.TextAd{Title: "Без ссылки"}},
			{ID: 13, AdGroupID: 2},
		},
		groupStat: map[int64]direct.Stats{
			1: {Impressions: 900, Clicks: 45, Cost: 120.5, BounceRate: 18, HasBounceRate: true},
			3: {Cost: 10},
		},
	}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	snaps, err := f.FetchCampaigns(context.Background(), []model.ExternalAccount{adsAccount("a", "tok")}, Query{
		CampaignIDs: []int64{101, 102, 103, 101},
		From:        fixedNow.AddDate(0, -1, 0),
		WithAds:     true,
	})
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	live := snaps[101]
	g1, ok := live.Group(1)
	require.True(t, ok)
	assert.True(t, g1.HasSpend)
	assert.InDelta(t, 120.5, g1.Spend, 0.001)
	assert.Equal(t, model.Performance{Impressions: 900, Clicks: 45, BounceRate: 18, HasBounceRate: true}, g1.Stats)
	require.Len(t, g1.Ads, 1)
	assert.Equal(t, "https://example.com/a", g1.Ads[0].Href)
	assert.Nil(t, g1.Ads[0].Stats)
	assert.Zero(t, fake.Calls("ad_stats"))

	g2, _ := live.Group(2)
	assert.False(t, g2.HasSpend)
	assert.Empty(t, g2.Ads)

	g3, _ := snaps[102].Group(3)
	assert.Equal(t, model.GroupArchived, g3.Status)

	assert.True(t, snaps[103].Missing)
	assert.Empty(t, snaps[103].Groups)
}

func TestFetchCampaignsWithAdStats(t *testing.T) {
	fake := &fakeDirect{
		campaigns: returning(direct.Campaign{ID: 101, State: "ON"}),
		groups:    []direct.AdGroup{{ID: 1, CampaignID: 101}},
		ads: []direct.Ad{
			{ID: 11, AdGroupID: 1, TextAd: &direct.TextAd{Href: "https://example.com/a"}},
			{ID: 12, AdGroupID: 1, TextAd: &direct.TextAd{Href: "https://example.com/b"}},
		},
		adStat: map[int64]direct.Stats{11: {Impressions: 100, Clicks: 7, BounceRate: 12.5, HasBounceRate: true}},
	}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	snaps, err := f.FetchCampaigns(context.Background(), []model.ExternalAccount{adsAccount("a", "tok")}, Query{
		CampaignIDs: []int64{101},
		From:        fixedNow.AddDate(0, -1, 0),
		WithAds:     true,
		WithAdStats: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls("ad_stats"))

	g, ok := snaps[101].Group(1)
	require.True(t, ok)
	require.Len(t, g.Ads, 2)
	require.NotNil(t, g.Ads[0].Stats)
	assert.Equal(t, int64(7), g.Ads[0].Stats.Clicks)
	assert.Nil(t, g.Ads[1].Stats)
}

func TestFetchCampaignsAdStatsNeedPeriod(t *testing.T) {
	fake := &fakeDirect{
		campaigns: returning(direct.Campaign{ID: 101, State: "ON"}),
		groups:    []direct.AdGroup{{ID: 1, CampaignID: 101}},
	}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	_, err := f.FetchCampaigns(context.Background(), []model.ExternalAccount{adsAccount("a", "tok")}, Query{
		CampaignIDs: []int64{101},
		WithAds:     true,
		WithAdStats: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls("ads"))
	assert.Zero(t, fake.Calls("ad_stats"))
	assert.Zero(t, fake.Calls("group_stats"))
}

func TestGroupStatus(t *testing.T) {
	tests := []struct {
		campaign string
		group    string
		want     model.GroupStatus
	}{
		{"ON", "ACCEPTED", model.GroupActive},
		{"UNKNOWN", "", model.GroupActive},
		{"SUSPENDED", "ACCEPTED", model.GroupPaused},
		{"OFF", "ACCEPTED", model.GroupPaused},
		{"ENDED", "ACCEPTED", model.GroupPaused},
		{"ARCHIVED", "ACCEPTED", model.GroupArchived},
		{"ON", "ARCHIVED", model.GroupArchived},
		{"ON", "REJECTED", model.GroupPaused},
		{"ON", "DRAFT", model.GroupPaused},
		{"ON", "MODERATION", model.GroupPaused},
		{"ARCHIVED", "DRAFT", model.GroupArchived},
	}
	for _, tt := range tests {
		got := groupStatus(tt.campaign, direct.AdGroup{Status: tt.group})
		assert.Equal(t, tt.want, got, "%s/%s", tt.campaign, tt.group)
	}
}

func TestFetchCampaignsArchivedGroupInLiveCampaign(t *testing.T) {
	fake := &fakeDirect{
		campaigns: returning(direct.Campaign{ID: 101, State: "ON"}),
		groups: []direct.AdGroup{
			{ID: 1, CampaignID: 101, Status: "ACCEPTED"},
			{ID: 2, CampaignID: 101, Status: "ARCHIVED"},
		},
	}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	snap, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 101, 0)
	require.NoError(t, err)
	g1, _ := snap.Group(1)
	g2, _ := snap.Group(2)
	assert.Equal(t, model.GroupActive, g1.Status)
	assert.Equal(t, model.GroupArchived, g2.Status)
}

func TestFetchCampaignAllMissingSkipsGroups(t *testing.T) {
	fake := &fakeDirect{campaigns: returning()}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	snap, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 5, 0)
	require.NoError(t, err)
	assert.True(t, snap.Missing)
	assert.Zero(t, fake.Calls("adgroups"))
}

func TestFetchFailureTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass resilience.Class
		wantCalls int
	}{
		{
			name:      "auth_expired_not_retried",
			err:       &direct.APIError{HTTPStatus: http.StatusOK, Code: direct.CodeAuthFailed, Message: "Authorization error"},
			wantClass: resilience.ClassAuth,
			wantCalls: 1,
		},
		{
			name:      "rate_limited_retried",
			err:       &direct.APIError{HTTPStatus: http.StatusTooManyRequests, RetryAfter: time.Millisecond},
			wantClass: resilience.ClassRateLimited,
			wantCalls: 3,
		},
		{
			name:      "unreachable_retried",
			err:       &direct.APIError{HTTPStatus: http.StatusBadGateway},
			wantClass: resilience.ClassUnreachable,
			wantCalls: 3,
		},
		{
			name:      "permanent_not_retried",
			err:       &direct.APIError{HTTPStatus: http.StatusOK, Code: 8000, Message: "Invalid request"},
			wantClass: resilience.ClassPermanent,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDirect{campaigns: failing(tt.err)}
			f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

			_, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 1, time.Second)
			require.Error(t, err)
			assert.ErrorIs(t, err, resilience.ErrFetchFailed)
			assert.Equal(t, tt.wantClass, resilience.ClassifyError(err))
			assert.Equal(t, tt.wantCalls, fake.Calls("campaigns"))

			var ff *resilience.FetchFailedError
			require.True(t, errors.As(err, &ff))
			assert.Equal(t, tt.wantCalls, ff.Attempts)
			assert.Equal(t, ServiceDirect, ff.Service)
		})
	}
}

func TestFetchRecoversAfterRateLimit(t *testing.T) {
	var n int
	fake := &fakeDirect{campaigns: func(context.Context, []int64) ([]direct.Campaign, error) {
		n++
		if n == 1 {
			return nil, &direct.APIError{HTTPStatus: http.StatusOK, Code: direct.CodeNotEnoughUnits}
		}
		return []direct.Campaign{{ID: 1, State: "ON"}}, nil
	}}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	snap, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 1, time.Second)
	require.NoError(t, err)
	assert.False(t, snap.Missing)
	assert.Equal(t, 2, fake.Calls("campaigns"))
}

func TestFetchDeadlineIsUnreachable(t *testing.T) {
	fake := &fakeDirect{campaigns: func(ctx context.Context, _ []int64) ([]direct.Campaign, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	_, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 1, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, resilience.ClassUnreachable, resilience.ClassifyError(err))
	assert.Equal(t, 3, fake.Calls("campaigns"))
}

func TestFetchCancelledIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeDirect{campaigns: func(context.Context, []int64) ([]direct.Campaign, error) {
		cancel()
		return nil, context.Canceled
	}}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake})

	_, err := f.FetchCampaign(ctx, adsAccount("a", "tok"), "", 1, time.Second)
	require.Error(t, err)
	assert.Equal(t, resilience.ClassCancelled, resilience.ClassifyError(err))
	assert.Equal(t, 1, fake.Calls("campaigns"))
}

func TestCircuitBreakerShortCircuits(t *testing.T) {
	fake := &fakeDirect{campaigns: failing(&direct.APIError{HTTPStatus: http.StatusServiceUnavailable})}
	factory := func(string, string) direct.Client { return fake }
	f := NewFetcher(factory, nil, fastRetry(),
		resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}))

	_, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 1, 0)
	require.Error(t, err)
	calls := fake.Calls("campaigns")
	assert.Equal(t, 2, calls, "breaker opens after the threshold")

	_, err = f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 1, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.ErrorIs(t, err, resilience.ErrFetchFailed)
	assert.Equal(t, calls, fake.Calls("campaigns"))
}

func TestCircuitBreakerIgnoresAuthFailures(t *testing.T) {
	fake := &fakeDirect{campaigns: failing(&direct.APIError{HTTPStatus: http.StatusUnauthorized})}
	factory := func(string, string) direct.Client { return fake }
	f := NewFetcher(factory, nil, fastRetry(),
		resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}))

	for range 3 {
		_, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 1, 0)
		assert.True(t, resilience.IsAuthExpired(err))
	}
	assert.Equal(t, 3, fake.Calls("campaigns"))
}

func TestFetchCampaignsRotatesOnAuthExpired(t *testing.T) {
	expired := &fakeDirect{campaigns: failing(&direct.APIError{HTTPStatus: http.StatusOK, Code: direct.CodeAuthFailed})}
	good := &fakeDirect{campaigns: returning(direct.Campaign{ID: 7, State: "ON"})}
	f := newTestFetcher(map[string]*fakeDirect{"old": expired, "new": good})

	accounts := []model.ExternalAccount{
		{Kind: model.AccountKindAds, Login: "deleted", Token: "new", IsDeleted: true},
		{Kind: model.AccountKindStats, Login: "stats", Token: "new"},
		adsAccount("first", "old"),
		adsAccount("second", "new"),
	}
	snaps, err := f.FetchCampaigns(context.Background(), accounts, Query{CampaignIDs: []int64{7}})
	require.NoError(t, err)
	assert.False(t, snaps[7].Missing)
	assert.Equal(t, 1, expired.Calls("campaigns"))
	assert.Equal(t, 1, good.Calls("campaigns"))
}

func TestFetchCampaignsStopsOnOtherFailures(t *testing.T) {
	broken := &fakeDirect{campaigns: failing(&direct.APIError{HTTPStatus: http.StatusOK, Code: 8000})}
	good := &fakeDirect{campaigns: returning(direct.Campaign{ID: 7})}
	f := newTestFetcher(map[string]*fakeDirect{"a": broken, "b": good})

	_, err := f.FetchCampaigns(context.Background(),
		[]model.ExternalAccount{adsAccount("a", "a"), adsAccount("b", "b")},
		Query{CampaignIDs: []int64{7}})
	require.Error(t, err)
	assert.Zero(t, good.Calls("campaigns"))
}

func TestFetchCampaignsAllExpired(t *testing.T) {
	expired := &fakeDirect{campaigns: failing(&direct.APIError{HTTPStatus: http.StatusForbidden})}
	f := newTestFetcher(map[string]*fakeDirect{"a": expired})

	_, err := f.FetchCampaigns(context.Background(), []model.ExternalAccount{adsAccount("a", "a")}, Query{CampaignIDs: []int64{1}})
	require.Error(t, err)
	assert.True(t, resilience.IsAuthExpired(err))
}

func TestFetchCampaignsNoAccounts(t *testing.T) {
	f := newTestFetcher(nil)
	_, err := f.FetchCampaigns(context.Background(), nil, Query{CampaignIDs: []int64{1}})
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestFetchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	fake := &fakeDirect{campaigns: returning(direct.Campaign{ID: 1})}
	f := newTestFetcher(map[string]*fakeDirect{"tok": fake}, WithMetrics(metrics.New(reg, "test")))

	_, err := f.FetchCampaign(context.Background(), adsAccount("a", "tok"), "", 1, 0)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "test_upstream_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "campaigns and adgroups")
}

type fakeWordstat struct {
	mu     sync.Mutex
	token  string
	calls  int
	counts map[string]int64
	err    error
	seen   []wordstat.TopRequestsRequest

	info      *wordstat.UserInfo
	infoCalls int
}

func (f *fakeWordstat) TopRequests(_ context.Context, req wordstat.TopRequestsRequest) (*wordstat.TopRequestsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, req)
	if f.err != nil {
		return nil, f.err
	}
	return &wordstat.TopRequestsResponse{RequestPhrase: req.Phrase, TotalCount: f.counts[req.Phrase]}, nil
}

func (f *fakeWordstat) UserInfo(context.Context) (*wordstat.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.info != nil {
		return f.info, nil
	}
	return &wordstat.UserInfo{Login: f.token}, nil
}

func statsFetcher(byToken map[string]*fakeWordstat) *Fetcher {
	factory := func(token string) wordstat.Client { return byToken[token] }
	return NewFetcher(nil, factory, fastRetry(), nil)
}

func statsAccount(login, token string) model.ExternalAccount {
	return model.ExternalAccount{Kind: model.AccountKindStats, Login: login, Token: token}
}

func TestFetchVolumes(t *testing.T) {
	ws := &fakeWordstat{counts: map[string]int64{"москва квартиры": 100, "дом": 5}}
	f := statsFetcher(map[string]*fakeWordstat{"s": ws})

	vols, err := f.FetchVolumes(context.Background(), statsAccount("s", "s"),
		[]string{"  москва   квартиры ", "москва квартиры", "дом", ""}, []int64{213}, []string{"all"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []model.PhraseVolume{
		{Phrase: "москва квартиры", Count: 100},
		{Phrase: "дом", Count: 5},
	}, vols)
	assert.Equal(t, 2, ws.calls)
	assert.Equal(t, []int64{213}, ws.seen[0].Regions)
}

func TestFetchVolumesAcrossRotatesOnQuota(t *testing.T) {
	exhausted := &fakeWordstat{err: &wordstat.APIError{StatusCode: http.StatusTooManyRequests}}
	fresh := &fakeWordstat{counts: map[string]int64{"дом": 5}}
	f := statsFetcher(map[string]*fakeWordstat{"a": exhausted, "b": fresh})

	vols, err := f.FetchVolumesAcross(context.Background(),
		[]model.ExternalAccount{statsAccount("a", "a"), statsAccount("b", "b")},
		[]string{"дом"}, nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []model.PhraseVolume{{Phrase: "дом", Count: 5}}, vols)
	assert.Equal(t, 3, exhausted.calls, "quota errors are retried before rotating")
	assert.Equal(t, 1, fresh.calls)
}

func TestFetchVolumesAcrossSkipsSpentQuota(t *testing.T) {
	spent := &fakeWordstat{
		counts: map[string]int64{"дом": 1},
		info:   &wordstat.UserInfo{DailyLimit: 1000, DailyLimitRemaining: 0},
	}
	fresh := &fakeWordstat{
		counts: map[string]int64{"дом": 5},
		info:   &wordstat.UserInfo{DailyLimit: 1000, DailyLimitRemaining: 10},
	}
	f := statsFetcher(map[string]*fakeWordstat{"a": spent, "b": fresh})

	vols, err := f.FetchVolumesAcross(context.Background(),
		[]model.ExternalAccount{statsAccount("a", "a"), statsAccount("b", "b")},
		[]string{"дом"}, nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []model.PhraseVolume{{Phrase: "дом", Count: 5}}, vols)
	assert.Equal(t, 1, spent.infoCalls)
	assert.Zero(t, spent.calls, "an account without quota is never queried")
	assert.Equal(t, 1, fresh.calls)
	assert.Zero(t, fresh.infoCalls, "the last account is used without a check")
}

func TestFetchVolumesAcrossLastAccountTriedDespiteQuota(t *testing.T) {
	spent := &fakeWordstat{
		counts: map[string]int64{"дом": 1},
		info:   &wordstat.UserInfo{DailyLimit: 1000, DailyLimitRemaining: 0},
	}
	f := statsFetcher(map[string]*fakeWordstat{"a": spent})

	vols, err := f.FetchVolumesAcross(context.Background(),
		[]model.ExternalAccount{statsAccount("a", "a")}, []string{"дом"}, nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []model.PhraseVolume{{Phrase: "дом", Count: 1}}, vols)
	assert.Equal(t, 1, spent.calls)
}

func TestFetchVolumesAcrossReturnsPartial(t *testing.T) {
	var n int
	ws := &fakeWordstat{counts: map[string]int64{"a": 1}}
	f := NewFetcher(nil, func(string) wordstat.Client {
		return wordstatFunc(func(req wordstat.TopRequestsRequest) (*wordstat.TopRequestsResponse, error) {
			n++
			if req.Phrase == "b" {
				return nil, &wordstat.APIError{StatusCode: http.StatusBadRequest, Message: "bad phrase"}
			}
			return ws.TopRequests(context.Background(), req)
		})
	}, fastRetry(), nil)

	vols, err := f.FetchVolumes(context.Background(), statsAccount("s", "s"), []string{"a", "b", "c"}, nil, nil, 0)
	require.Error(t, err)
	assert.Equal(t, []model.PhraseVolume{{Phrase: "a", Count: 1}}, vols)
	assert.Equal(t, 2, n)
}

func TestFetchVolumesNoStatsAccount(t *testing.T) {
	f := statsFetcher(nil)
	_, err := f.FetchVolumes(context.Background(), adsAccount("a", "a"), []string{"x"}, nil, nil, 0)
	assert.ErrorIs(t, err, ErrNoAccount)
}

type wordstatFunc func(wordstat.TopRequestsRequest) (*wordstat.TopRequestsResponse, error)

func (f wordstatFunc) TopRequests(_ context.Context, req wordstat.TopRequestsRequest) (*wordstat.TopRequestsResponse, error) {
	return f(req)
}

func (f wordstatFunc) UserInfo(context.Context) (*wordstat.UserInfo, error) {
	return &wordstat.UserInfo{}, nil
}
