package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalid is the root of all model validation failures.
var ErrInvalid = eris.New("invalid record")

// OrgRole is the fixed role vocabulary for organizations.
type OrgRole string

const (
	OrgRoleCustomer   OrgRole = "customer"
	OrgRoleContractor OrgRole = "contractor"
)

// ParseOrgRole validates a role value read from storage or user input.
func ParseOrgRole(s string) (OrgRole, error) {
	switch OrgRole(s) {
	case OrgRoleCustomer, OrgRoleContractor:
		return OrgRole(s), nil
	default:
		return "", eris.Wrapf(ErrInvalid, "unknown organization role %q", s)
	}
}

// Organization is a legal entity acting as customer or contractor. The
// grammatical-case renderings feed legal document templates.
type Organization struct {
	ID                             int64     `json:"id"`
	Role                           OrgRole   `json:"role"`
	FullName                       string    `json:"full_name"`
	ShortName                      string    `json:"short_name"`
	FullNameGenitive               string    `json:"full_name_genitive,omitempty"`
	FullNameDative                 string    `json:"full_name_dative,omitempty"`
	RepresentativeName             string    `json:"representative_name,omitempty"`
	RepresentativeNameGenitive     string    `json:"representative_name_genitive,omitempty"`
	RepresentativePosition         string    `json:"representative_position,omitempty"`
	RepresentativePositionGenitive string    `json:"representative_position_genitive,omitempty"`
	TaxID                          string    `json:"tax_id,omitempty"`
	RegistrationID                 string    `json:"registration_id,omitempty"`
	Address                        string    `json:"address,omitempty"`
	IsDeleted                      bool      `json:"is_deleted"`
	CreatedAt                      time.Time `json:"created_at"`
}

// Validate checks the fields required to render documents.
func (o *Organization) Validate() error {
	if o.FullName == "" {
		return eris.Wrap(ErrInvalid, "organization: full name is required")
	}
	if _, err := ParseOrgRole(string(o.Role)); err != nil {
		return err
	}
	return nil
}
