package render

import (
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/adreport-cli/internal/model"
)

// Renderer names accepted in the manifest.
const (
	RendererXLSX        = "xlsx"
	RendererRemote      = "remote"
	RendererScreenshots = "screenshots"
)

// Template describes how one artifact kind is produced.
type Template struct {
	Kind model.ArtifactKind `yaml:"-"`
	// Key is the template name passed to the renderer.
	Key string `yaml:"template"`
	// FileName is the base name of the produced file.
	FileName string `yaml:"file_name"`
	Renderer string `yaml:"renderer"`
	// Format is the output format requested from a remote renderer.
	Format string `yaml:"format,omitempty"`
}

// Manifest maps every artifact kind to its template.
type Manifest map[model.ArtifactKind]Template

// DefaultManifest is used when no manifest file is configured.
func DefaultManifest() Manifest {
	m := Manifest{
		model.ArtifactContentReport:         {Key: "content_report", FileName: "content_report.docx", Renderer: RendererRemote, Format: "docx"},
		model.ArtifactAdScreenshots:         {Key: "ad_screenshots", FileName: "ad_screenshots.zip", Renderer: RendererScreenshots},
		model.ArtifactMediaStatement:        {Key: "media_statement", FileName: "media_statement.xlsx", Renderer: RendererXLSX},
		model.ArtifactKeyphrasePresentation: {Key: "keyphrase_presentation", FileName: "keyphrase_presentation.pptx", Renderer: RendererRemote, Format: "pptx"},
		model.ArtifactMediaPlan:             {Key: "media_plan", FileName: "media_plan.xlsx", Renderer: RendererXLSX},
		model.ArtifactCoverLetter:           {Key: "cover_letter", FileName: "cover_letter.docx", Renderer: RendererRemote, Format: "docx"},
		model.ArtifactAct:                   {Key: "act", FileName: "act.docx", Renderer: RendererRemote, Format: "docx"},
	}
	for k, t := range m {
		t.Kind = k
		m[k] = t
	}
	return m
}

// LoadManifest reads a manifest file. The YAML has a top-level "artifacts"
// key mapping artifact kinds to templates; kinds it omits keep their
// defaults.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "render: read manifest %s", path)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (Manifest, error) {
	var wrapper struct {
		Artifacts map[string]Template `yaml:"artifacts"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "render: parse manifest")
	}

	m := DefaultManifest()
	for name, t := range wrapper.Artifacts {
		kind, err := model.ParseArtifactKind(name)
		if err != nil {
			return nil, eris.Wrap(err, "render: manifest")
		}
		t.Kind = kind
		m[kind] = t
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every kind has a usable template.
func (m Manifest) Validate() error {
	var problems []string
	for _, kind := range model.ArtifactKinds {
		t, ok := m[kind]
		switch {
		case !ok:
			problems = append(problems, string(kind)+": missing")
		case strings.TrimSpace(t.FileName) == "" || strings.ContainsAny(t.FileName, `/\`):
			problems = append(problems, string(kind)+": file_name must be a plain file name")
		case !slices.Contains([]string{RendererXLSX, RendererRemote, RendererScreenshots}, t.Renderer):
			problems = append(problems, string(kind)+": unknown renderer "+t.Renderer)
		case t.Renderer == RendererRemote && t.Key == "":
			problems = append(problems, string(kind)+": remote renderer needs a template")
		}
	}
	if len(problems) > 0 {
		return eris.Wrapf(model.ErrInvalid, "render: manifest: %s", strings.Join(problems, "; "))
	}
	return nil
}
