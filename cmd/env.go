package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/adreport-cli/internal/assemble"
	"github.com/sells-group/adreport-cli/internal/blob"
	"github.com/sells-group/adreport-cli/internal/campaign"
	"github.com/sells-group/adreport-cli/internal/keyphrase"
	"github.com/sells-group/adreport-cli/internal/metrics"
	"github.com/sells-group/adreport-cli/internal/pipeline"
	"github.com/sells-group/adreport-cli/internal/reconcile"
	"github.com/sells-group/adreport-cli/internal/render"
	"github.com/sells-group/adreport-cli/internal/report"
	"github.com/sells-group/adreport-cli/internal/resilience"
	"github.com/sells-group/adreport-cli/internal/store"
	"github.com/sells-group/adreport-cli/pkg/direct"
	"github.com/sells-group/adreport-cli/pkg/docrender"
	"github.com/sells-group/adreport-cli/pkg/screenshot"
	"github.com/sells-group/adreport-cli/pkg/wordstat"
)

// screenshotConcurrency bounds parallel captures within one archive.
const screenshotConcurrency = 4

// appEnv holds everything the report, process, keyphrase and serve commands
// need. Callers should defer env.Close().
type appEnv struct {
	Store      store.Store
	Pipeline   *pipeline.Pipeline
	Machine    *report.Machine
	Keyphrases *keyphrase.Service
	Fetcher    *campaign.Fetcher
	Registry   *prometheus.Registry
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store and wires upstream clients, renderers, the report
// state machine and the pipeline. mode selects the config validation.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Registry: prometheus.NewRegistry()}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		env.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(env.Registry, cfg.Metrics.Namespace)
	}

	retry := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier, cfg.Retry.JitterFraction, cfg.Retry.MaxRetryAfterSecs,
	)
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))
	env.Fetcher = campaign.NewFetcher(directFactory(), wordstatFactory(), retry, breakers, campaign.WithMetrics(m))

	env.Keyphrases = keyphrase.NewService(st, env.Fetcher, keyphrase.Config{
		Freshness: cfg.Keyphrase.Freshness(),
		Regions:   cfg.Wordstat.Regions,
		Devices:   cfg.Wordstat.Devices,
		Deadline:  cfg.Report.FetchDeadline(),
	})

	if mode == "keyphrase" {
		return env, nil
	}

	blobs, err := initBlob(ctx, retry)
	if err != nil {
		env.Close()
		return nil, err
	}

	manifest, err := loadManifest(cfg.Report.TemplatesPath)
	if err != nil {
		env.Close()
		return nil, err
	}
	docs := docrender.NewClient(cfg.Renderer.BaseURL, docrender.WithHTTPClient(&http.Client{Timeout: seconds(cfg.Renderer.TimeoutSecs)}))
	shots := screenshot.NewClient(cfg.Screenshot.BaseURL, screenshot.WithHTTPClient(&http.Client{Timeout: seconds(cfg.Screenshot.TimeoutSecs)}))
	set, err := render.NewSet(manifest, blobs, map[string]render.Renderer{
		render.RendererXLSX:        render.XLSXRenderer{},
		render.RendererRemote:      render.NewRemoteRenderer(docs),
		render.RendererScreenshots: render.NewScreenshotRenderer(shots, screenshotConcurrency, seconds(cfg.Screenshot.TimeoutSecs)),
	})
	if err != nil {
		env.Close()
		return nil, err
	}

	policy, err := reconcile.PolicyByName(cfg.Reconcile.FinancialPolicy)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Machine = report.New(st, set, assemble.New(blobs), report.Config{
		MaxAttempts: cfg.Report.MaxAttempts,
		Deadline:    cfg.Report.GenerateDeadline(),
	}, report.WithMetrics(m))
	env.Pipeline = pipeline.New(st, env.Fetcher, env.Keyphrases, reconcile.NewEngine(policy), env.Machine, cfg.Report.FetchDeadline(),
		pipeline.WithLease(cfg.Report.Lease()))

	zap.L().Info("report pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("blob", cfg.Blob.Driver),
		zap.String("financial_policy", policy.Name()),
		zap.Int("max_attempts", env.Machine.MaxAttempts()),
	)
	return env, nil
}

// directFactory shares one rate limiter across every account's client so
// the configured rate holds for the whole process.
func directFactory() campaign.DirectFactory {
	limiter := rate.NewLimiter(rate.Limit(cfg.Direct.RatePerSec), 1)
	hc := &http.Client{Timeout: seconds(cfg.Direct.TimeoutSecs)}
	return func(token, clientLogin string) direct.Client {
		return direct.NewClient(token,
			direct.WithBaseURL(cfg.Direct.BaseURL),
			direct.WithHTTPClient(hc),
			direct.WithLanguage(cfg.Direct.Language),
			direct.WithClientLogin(clientLogin),
			direct.WithLimiter(limiter),
		)
	}
}

func wordstatFactory() campaign.WordstatFactory {
	hc := &http.Client{Timeout: seconds(cfg.Wordstat.TimeoutSecs)}
	return func(token string) wordstat.Client {
		return wordstat.NewClient(token,
			wordstat.WithBaseURL(cfg.Wordstat.BaseURL),
			wordstat.WithHTTPClient(hc),
			wordstat.WithRateLimit(cfg.Wordstat.RatePerSec),
		)
	}
}

func initBlob(ctx context.Context, retry resilience.RetryConfig) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "memory":
		zap.L().Warn("blob: using in-memory storage, generated files are lost on exit")
		return blob.NewMemory(), nil
	case "minio", "":
		s, err := blob.NewMinIO(cfg.Blob, retry)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("unsupported blob driver: %s", cfg.Blob.Driver)
	}
}

// loadManifest reads the template manifest, falling back to the built-in
// defaults when the file does not exist.
func loadManifest(path string) (render.Manifest, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		zap.L().Warn("template manifest not found, using defaults", zap.String("path", path))
		return render.DefaultManifest(), nil
	}
	return render.LoadManifest(path)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
