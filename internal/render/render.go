// Package render produces report artifacts from a generation input and
// stores them in the blob store.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adreport-cli/internal/blob"
	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/resilience"
)

// Renderer turns a generation input into file bytes for one template.
type Renderer interface {
	Render(ctx context.Context, t Template, in *model.GenerationInput) ([]byte, error)
}

// Set dispatches each artifact kind to the renderer named by the manifest
// and stores the result.
type Set struct {
	manifest  Manifest
	renderers map[string]Renderer
	blobs     blob.Store
}

// NewSet wires renderers by manifest name. Every renderer the manifest
// refers to must be present.
func NewSet(manifest Manifest, blobs blob.Store, renderers map[string]Renderer) (*Set, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	for _, t := range manifest {
		if renderers[t.Renderer] == nil {
			return nil, eris.Errorf("render: no %s renderer for %s", t.Renderer, t.Kind)
		}
	}
	return &Set{manifest: manifest, renderers: renderers, blobs: blobs}, nil
}

// ObjectName returns the blob name of an artifact file for a run.
func ObjectName(r *model.Report, t Template) string {
	if r.RunID == "" {
		return fmt.Sprintf("reports/%d/%s", r.ID, t.FileName)
	}
	return fmt.Sprintf("reports/%d/%s/%s", r.ID, r.RunID, t.FileName)
}

// Generate renders kind for in and returns the stored file's locator.
func (s *Set) Generate(ctx context.Context, kind model.ArtifactKind, in *model.GenerationInput) (string, error) {
	if in == nil || in.Report == nil {
		return "", eris.Wrap(model.ErrInvalid, "render: input has no report")
	}
	t, ok := s.manifest[kind]
	if !ok {
		return "", eris.Wrapf(model.ErrInvalid, "render: no template for %s", kind)
	}

	start := time.Now()
	data, err := s.renderers[t.Renderer].Render(ctx, t, in)
	if err != nil {
		return "", transient(err)
	}
	loc, err := s.blobs.Put(ctx, ObjectName(in.Report, t), data)
	if err != nil {
		return "", eris.Wrapf(err, "render: store %s", kind)
	}

	zap.L().Debug("render: artifact stored",
		zap.Int64("report_id", in.Report.ID),
		zap.String("artifact", string(kind)),
		zap.String("renderer", t.Renderer),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return loc, nil
}

// temporary is implemented by client errors that know whether a retry can
// help.
type temporary interface {
	Temporary() bool
}

// transient marks collaborator errors that may succeed on retry so report
// retry decisions see them as Unreachable. A joined error such as
// *CaptureError is transient when any of its causes is.
func transient(err error) error {
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return resilience.NewTransientError(err, 0)
	}
	return err
}
