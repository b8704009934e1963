package model

import "time"

// SourceKind identifies which adapter turns a URL into raw text.
type SourceKind string

const (
	SourceWebpage   SourceKind = "webpage"
	SourceRSS       SourceKind = "rss"
	SourceForum     SourceKind = "forum"
	SourcePDF       SourceKind = "pdf"
	SourceSitemap   SourceKind = "sitemap"
	SourcePlaintext SourceKind = "plaintext"
)

// Product is a tracked software product.
type Product struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Category     string     `json:"category,omitempty"`
	VersionURL   string     `json:"version_url"`
	MainURL      string     `json:"main_url,omitempty"`
	SourceKind   SourceKind `json:"source_kind,omitempty"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
