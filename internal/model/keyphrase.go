package model

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Keyphrase is a deduplicated search phrase with its scope and query volume.
// At most one live row exists per normalized phrase.
type Keyphrase struct {
	ID        int64     `json:"id"`
	Phrase    string    `json:"phrase"`
	Regions   []int64   `json:"regions"`
	Devices   []string  `json:"devices"`
	Count     int64     `json:"count"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizePhrase folds a phrase to its storage key: NFC, trimmed, with
// internal whitespace runs collapsed to one space. Case is preserved.
func NormalizePhrase(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// PhraseVolume is one row of a keyword-statistics result.
type PhraseVolume struct {
	Phrase string `json:"phrase"`
	Count  int64  `json:"count"`
}
