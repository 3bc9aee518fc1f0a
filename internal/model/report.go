package model

import (
	"slices"
	"time"

	"github.com/rotisserie/eris"
)

// ErrUnknownStatus is returned when a status code or id is not part of the
// known vocabulary.
var ErrUnknownStatus = eris.New("unknown report status")

// ReportStatus is the lifecycle state of a report.
type ReportStatus string

const (
	ReportStatusPending    ReportStatus = "pending"
	ReportStatusGenerating ReportStatus = "generating"
	ReportStatusReady      ReportStatus = "ready"
	ReportStatusFailed     ReportStatus = "failed"
	ReportStatusDelivered  ReportStatus = "delivered"
)

// KnownStatuses lists the statuses in lifecycle order, with the ids the
// lookup table is seeded with.
var KnownStatuses = []StatusEntry{
	{ID: 1, Status: ReportStatusPending, Name: "Pending"},
	{ID: 2, Status: ReportStatusGenerating, Name: "Generating"},
	{ID: 3, Status: ReportStatusReady, Name: "Ready"},
	{ID: 4, Status: ReportStatusFailed, Name: "Failed"},
	{ID: 5, Status: ReportStatusDelivered, Name: "Delivered"},
}

// ParseReportStatus validates a status code at the storage boundary.
func ParseReportStatus(s string) (ReportStatus, error) {
	for _, e := range KnownStatuses {
		if string(e.Status) == s {
			return e.Status, nil
		}
	}
	return "", eris.Wrapf(ErrUnknownStatus, "status code %q", s)
}

// IsTerminalSuccess reports whether the status carries a finished archive.
func (s ReportStatus) IsTerminalSuccess() bool {
	return s == ReportStatusReady || s == ReportStatusDelivered
}

// StatusEntry is one row of the status lookup table.
type StatusEntry struct {
	ID     int          `json:"id" yaml:"id"`
	Status ReportStatus `json:"code" yaml:"code"`
	Name   string       `json:"name" yaml:"name"`
}

// StatusVocabulary maps deployment status ids to the closed status type.
type StatusVocabulary struct {
	byID   map[int]StatusEntry
	byCode map[ReportStatus]StatusEntry
}

// NewStatusVocabulary validates rows read from the lookup table. Every known
// status must be present and no unknown code is accepted.
func NewStatusVocabulary(entries []StatusEntry) (*StatusVocabulary, error) {
	v := &StatusVocabulary{
		byID:   make(map[int]StatusEntry, len(entries)),
		byCode: make(map[ReportStatus]StatusEntry, len(entries)),
	}
	for _, e := range entries {
		if _, err := ParseReportStatus(string(e.Status)); err != nil {
			return nil, err
		}
		if _, dup := v.byID[e.ID]; dup {
			return nil, eris.Wrapf(ErrInvalid, "status vocabulary: duplicate id %d", e.ID)
		}
		v.byID[e.ID] = e
		v.byCode[e.Status] = e
	}
	for _, k := range KnownStatuses {
		if _, ok := v.byCode[k.Status]; !ok {
			return nil, eris.Wrapf(ErrUnknownStatus, "status vocabulary: missing %q", k.Status)
		}
	}
	return v, nil
}

// Resolve maps a lookup-table id to a status.
func (v *StatusVocabulary) Resolve(id int) (ReportStatus, error) {
	e, ok := v.byID[id]
	if !ok {
		return "", eris.Wrapf(ErrUnknownStatus, "status id %d", id)
	}
	return e.Status, nil
}

// ID returns the lookup-table id of a status.
func (v *StatusVocabulary) ID(s ReportStatus) (int, error) {
	e, ok := v.byCode[s]
	if !ok {
		return 0, eris.Wrapf(ErrUnknownStatus, "status code %q", s)
	}
	return e.ID, nil
}

// ArtifactKind tags one document type of a report package.
type ArtifactKind string

const (
	ArtifactContentReport         ArtifactKind = "content_report"
	ArtifactAdScreenshots         ArtifactKind = "ad_screenshots"
	ArtifactMediaStatement        ArtifactKind = "media_statement"
	ArtifactKeyphrasePresentation ArtifactKind = "keyphrase_presentation"
	ArtifactMediaPlan             ArtifactKind = "media_plan"
	ArtifactCoverLetter           ArtifactKind = "cover_letter"
	ArtifactAct                   ArtifactKind = "act"
)

// ArtifactKinds is the closed set of artifact kinds in package order.
var ArtifactKinds = []ArtifactKind{
	ArtifactContentReport,
	ArtifactAdScreenshots,
	ArtifactMediaStatement,
	ArtifactKeyphrasePresentation,
	ArtifactMediaPlan,
	ArtifactCoverLetter,
	ArtifactAct,
}

// ParseArtifactKind validates an artifact tag.
func ParseArtifactKind(s string) (ArtifactKind, error) {
	k := ArtifactKind(s)
	if !slices.Contains(ArtifactKinds, k) {
		return "", eris.Wrapf(ErrInvalid, "unknown artifact kind %q", s)
	}
	return k, nil
}

// ArtifactSlot pairs a selector flag with the produced file locator. An
// empty Locator means no file has been produced.
type ArtifactSlot struct {
	Selected bool   `json:"selected"`
	Locator  string `json:"locator,omitempty"`
}

// Satisfied reports whether a selected slot already has its file.
func (s ArtifactSlot) Satisfied() bool {
	return s.Selected && s.Locator != ""
}

// Artifacts is the per-kind slot table of a report.
type Artifacts map[ArtifactKind]ArtifactSlot

// NewArtifacts returns a table with every kind unselected.
func NewArtifacts() Artifacts {
	a := make(Artifacts, len(ArtifactKinds))
	for _, k := range ArtifactKinds {
		a[k] = ArtifactSlot{}
	}
	return a
}

// Clone copies the table.
func (a Artifacts) Clone() Artifacts {
	out := make(Artifacts, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Selected returns the selected kinds in package order.
func (a Artifacts) Selected() []ArtifactKind {
	var out []ArtifactKind
	for _, k := range ArtifactKinds {
		if a[k].Selected {
			out = append(out, k)
		}
	}
	return out
}

// Pending returns the selected kinds that still lack a locator.
func (a Artifacts) Pending() []ArtifactKind {
	var out []ArtifactKind
	for _, k := range a.Selected() {
		if a[k].Locator == "" {
			out = append(out, k)
		}
	}
	return out
}

// Complete reports whether every selected kind has a locator.
func (a Artifacts) Complete() bool {
	return len(a.Pending()) == 0
}

// Selection is the set of artifact kinds an operator marks for a run.
type Selection []ArtifactKind

// Apply returns a slot table flagged per the selection with no locators.
func (s Selection) Apply() Artifacts {
	a := NewArtifacts()
	for _, k := range s {
		a[k] = ArtifactSlot{Selected: true}
	}
	return a
}

// Validate rejects unknown kinds.
func (s Selection) Validate() error {
	for _, k := range s {
		if _, err := ParseArtifactKind(string(k)); err != nil {
			return err
		}
	}
	return nil
}

// Report is the deliverable for a request.
type Report struct {
	ID             int64        `json:"id"`
	RequestID      int64        `json:"request_id"`
	ContractID     int64        `json:"contract_id"`
	Status         ReportStatus `json:"status"`
	Artifacts      Artifacts    `json:"artifacts"`
	ArchiveLocator string       `json:"archive_locator,omitempty"`
	Message        string       `json:"message,omitempty"`
	RunID          string       `json:"run_id,omitempty"`
	Attempts       int          `json:"attempts"`
	Exhausted      bool         `json:"exhausted"`
	Version        int64        `json:"version"`
	DeliveredBy    string       `json:"delivered_by,omitempty"`
	IsDeleted      bool         `json:"is_deleted"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with r.
func (r *Report) Clone() *Report {
	cp := *r
	cp.Artifacts = r.Artifacts.Clone()
	return &cp
}

// CheckArchiveInvariant verifies the archive is set exactly when the report
// reached a terminal success state with every selected artifact produced.
func (r *Report) CheckArchiveInvariant() error {
	want := r.Status.IsTerminalSuccess() && r.Artifacts.Complete()
	has := r.ArchiveLocator != ""
	if want != has {
		return eris.Wrapf(ErrInvalid, "report %d: archive=%t with status %s complete=%t",
			r.ID, has, r.Status, r.Artifacts.Complete())
	}
	return nil
}
