package render

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adreport-cli/internal/assemble"
	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/pkg/screenshot"
)

// CaptureError lists the ads whose screenshots could not be taken. It is
// retryable as a whole when any single capture failed temporarily, even if
// other captures failed permanently: the next pass recaptures every ad.
type CaptureError struct {
	Failed []model.AdRef
	Errs   []error
}

func (e *CaptureError) Error() string {
	refs := make([]string, len(e.Failed))
	for i, a := range e.Failed {
		refs[i] = fmt.Sprintf("ad %d (%s)", a.ID, a.Href)
	}
	return fmt.Sprintf("capture failed for %d ad(s): %s", len(e.Failed), strings.Join(refs, ", "))
}

// Unwrap exposes every capture failure so callers can classify them.
func (e *CaptureError) Unwrap() []error { return e.Errs }

// ScreenshotRenderer captures every ad of the request's live groups and
// zips the images.
type ScreenshotRenderer struct {
	client      screenshot.Client
	concurrency int
	deadline    time.Duration
}

// NewScreenshotRenderer creates a ScreenshotRenderer. deadline bounds each
// capture; zero leaves it to ctx.
func NewScreenshotRenderer(client screenshot.Client, concurrency int, deadline time.Duration) *ScreenshotRenderer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ScreenshotRenderer{client: client, concurrency: concurrency, deadline: deadline}
}

func (r *ScreenshotRenderer) Render(ctx context.Context, t Template, in *model.GenerationInput) ([]byte, error) {
	ads := in.LiveAds()
	if len(ads) == 0 {
		return nil, eris.Wrap(model.ErrInvalid, "screenshots: no ads in live groups")
	}

	images := make([][]byte, len(ads))
	var (
		mu     sync.Mutex
		failed []model.AdRef
		errs   []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, ad := range ads {
		g.Go(func() error {
			img, err := r.capture(gctx, ad)
			if err != nil {
				zap.L().Warn("screenshots: capture failed",
					zap.Int64("ad_id", ad.ID),
					zap.String("href", ad.Href),
					zap.Error(err),
				)
				mu.Lock()
				failed = append(failed, ad)
				errs = append(errs, transient(err))
				mu.Unlock()
				return nil
			}
			images[i] = img
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return nil, &CaptureError{Failed: failed, Errs: errs}
	}

	entries := make([]assemble.Entry, len(ads))
	for i, ad := range ads {
		entries[i] = assemble.Entry{
			Name: fmt.Sprintf("group_%d_ad_%d.png", ad.GroupID, ad.ID),
			Data: images[i],
		}
	}
	return assemble.Zip(entries, time.Now().UTC())
}

func (r *ScreenshotRenderer) capture(ctx context.Context, ad model.AdRef) ([]byte, error) {
	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}
	return r.client.Capture(ctx, screenshot.CaptureRequest{URL: ad.Href, FullPage: true})
}
