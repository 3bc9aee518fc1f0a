package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// AccountKind distinguishes ads-platform credentials from keyword-statistics
// credentials.
type AccountKind string

const (
	AccountKindAds   AccountKind = "ads"
	AccountKindStats AccountKind = "stats"
)

// ParseAccountKind validates an account kind.
func ParseAccountKind(s string) (AccountKind, error) {
	switch AccountKind(s) {
	case AccountKindAds, AccountKindStats:
		return AccountKind(s), nil
	default:
		return "", eris.Wrapf(ErrInvalid, "unknown account kind %q", s)
	}
}

// ExternalAccount is a credential bundle used by the campaign fetcher.
// UpdateEntry is set by the record store on every write.
type ExternalAccount struct {
	ID           int64       `json:"id"`
	Kind         AccountKind `json:"kind"`
	Login        string      `json:"login"`
	Token        string      `json:"-"`
	ClientID     string      `json:"client_id,omitempty"`
	ClientSecret string      `json:"-"`
	Comment      string      `json:"comment,omitempty"`
	IsDeleted    bool        `json:"is_deleted"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdateEntry  time.Time   `json:"update_entry"`
}

// Validate checks the fields the fetcher needs.
func (a *ExternalAccount) Validate() error {
	if _, err := ParseAccountKind(string(a.Kind)); err != nil {
		return err
	}
	if a.Token == "" {
		return eris.Wrapf(ErrInvalid, "account %q: token is required", a.Login)
	}
	return nil
}
