package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Contract is an agreement between a customer and a contractor organization.
type Contract struct {
	ID               int64     `json:"id"`
	Number           string    `json:"number"`
	CustomerID       int64     `json:"customer_id"`
	ContractorID     int64     `json:"contractor_id"`
	CreatedBy        string    `json:"created_by"`
	Subject          string    `json:"subject,omitempty"`
	Goals            string    `json:"goals,omitempty"`
	Tasks            string    `json:"tasks,omitempty"`
	TargetClicks     int64     `json:"target_clicks"`
	MaxBounceRatePct float64   `json:"max_bounce_rate_pct"`
	AdsClientLogin   string    `json:"ads_client_login,omitempty"`
	SignedAt         time.Time `json:"signed_at"`
	IsDeleted        bool      `json:"is_deleted"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate enforces the contract invariants the schema leaves unchecked.
func (c *Contract) Validate() error {
	if c.CustomerID <= 0 || c.ContractorID <= 0 {
		return eris.Wrap(ErrInvalid, "contract: customer and contractor are required")
	}
	if c.CustomerID == c.ContractorID {
		return eris.Wrapf(ErrInvalid, "contract: customer and contractor must differ (both %d)", c.CustomerID)
	}
	if c.TargetClicks < 0 {
		return eris.Wrap(ErrInvalid, "contract: target clicks must not be negative")
	}
	if c.MaxBounceRatePct < 0 || c.MaxBounceRatePct > 100 {
		return eris.Wrapf(ErrInvalid, "contract: bounce rate %.2f outside 0..100", c.MaxBounceRatePct)
	}
	return nil
}

// ContractDetail is a contract with both parties resolved. Parties are
// resolved regardless of their soft-delete flag.
type ContractDetail struct {
	Contract
	Customer   Organization `json:"customer"`
	Contractor Organization `json:"contractor"`
}

// Term is a definition attached to a contract.
type Term struct {
	ID         int64     `json:"id"`
	ContractID int64     `json:"contract_id"`
	Term       string    `json:"term"`
	Definition string    `json:"definition"`
	IsDeleted  bool      `json:"is_deleted"`
	CreatedAt  time.Time `json:"created_at"`
}
