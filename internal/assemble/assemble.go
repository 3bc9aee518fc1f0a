// Package assemble consolidates the produced files of a report into one
// archive.
package assemble

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adreport-cli/internal/blob"
	"github.com/sells-group/adreport-cli/internal/model"
)

// ArchiveName is the base name of every report archive.
const ArchiveName = "all_reports.zip"

// AssemblyFailedError reports a selected artifact whose file could not be
// read back.
type AssemblyFailedError struct {
	Kind    model.ArtifactKind
	Locator string
	Err     error
}

func (e *AssemblyFailedError) Error() string {
	return fmt.Sprintf("assemble: read %s at %s: %v", e.Kind, e.Locator, e.Err)
}

func (e *AssemblyFailedError) Unwrap() error { return e.Err }

// Entry is one file of a zip archive.
type Entry struct {
	Name string
	Data []byte
}

// Zip writes entries into an in-memory zip archive in the given order.
func Zip(entries []Entry, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "zip: create entry %s", e.Name)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return nil, eris.Wrapf(err, "zip: write entry %s", e.Name)
		}
	}
	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "zip: close archive")
	}
	return buf.Bytes(), nil
}

// Assembler reads artifacts from a blob store and writes the archive back.
type Assembler struct {
	blobs blob.Store
	now   func() time.Time
}

// New creates an Assembler over blobs.
func New(blobs blob.Store) *Assembler {
	return &Assembler{blobs: blobs, now: func() time.Time { return time.Now().UTC() }}
}

// ArchivePath returns the object name of a report's archive.
func ArchivePath(reportID int64) string {
	return fmt.Sprintf("reports/%d/%s", reportID, ArchiveName)
}

// Assemble zips every selected artifact of r, one entry per file named by
// the locator's base name, and stores the archive at ArchivePath. Unselected
// slots never appear, even when they carry a locator from an earlier run.
func (a *Assembler) Assemble(ctx context.Context, r *model.Report) (string, error) {
	selected := r.Artifacts.Selected()
	if len(selected) == 0 {
		return "", eris.Wrapf(model.ErrInvalid, "assemble: report %d has no selected artifacts", r.ID)
	}

	entries := make([]Entry, 0, len(selected))
	names := make(map[string]bool, len(selected))
	for _, kind := range selected {
		loc := r.Artifacts[kind].Locator
		if loc == "" {
			return "", &AssemblyFailedError{Kind: kind, Locator: loc, Err: eris.New("no file produced")}
		}
		data, err := a.blobs.Get(ctx, loc)
		if err != nil {
			return "", &AssemblyFailedError{Kind: kind, Locator: loc, Err: err}
		}
		name := path.Base(loc)
		if names[name] {
			name = string(kind) + "_" + name
		}
		names[name] = true
		entries = append(entries, Entry{Name: name, Data: data})
	}

	archive, err := Zip(entries, a.now())
	if err != nil {
		return "", eris.Wrapf(err, "assemble: report %d", r.ID)
	}
	loc, err := a.blobs.Put(ctx, ArchivePath(r.ID), archive)
	if err != nil {
		return "", eris.Wrapf(err, "assemble: store archive for report %d", r.ID)
	}

	zap.L().Info("assemble: archive stored",
		zap.Int64("report_id", r.ID),
		zap.Int("entries", len(entries)),
		zap.Int("bytes", len(archive)),
		zap.String("locator", loc),
	)
	return loc, nil
}
