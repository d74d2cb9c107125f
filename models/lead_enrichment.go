package models

import "time"

// Status einer Lead-Anreicherung.
type EnrichmentStatus string

const (
	EnrichmentPending    EnrichmentStatus = "PENDING"
	EnrichmentProcessing EnrichmentStatus = "PROCESSING"
	EnrichmentDone       EnrichmentStatus = "DONE"
	EnrichmentError      EnrichmentStatus = "ERROR"
)

// NamedEntityBox ist ein extrahierter Name mit optionaler Bounding-Box.
type NamedEntityBox struct {
	Name string    `json:"name"`
	BBox []float64 `json:"bbox,omitempty"`
}

// LeadEnrichment hält die strukturierten Fakten zu genau einem Lead (1:1, Upsert).
// StartedAt wird nur beim Übergang nach PROCESSING gesetzt, CompletedAt nur beim
// Übergang nach DONE oder ERROR.
type LeadEnrichment struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LeadID uint             `json:"lead_id" gorm:"uniqueIndex;not null"`
	Status EnrichmentStatus `json:"status" gorm:"index;not null"`

	ArticleHeader    string    `json:"article_header,omitempty"`
	ArticleHeaderBox []float64 `json:"article_header_box,omitempty" gorm:"serializer:json"`

	PersonNames  []NamedEntityBox `json:"person_names,omitempty" gorm:"serializer:json"`
	CompanyNames []NamedEntityBox `json:"company_names,omitempty" gorm:"serializer:json"`

	ErrorMessage string `json:"error_message,omitempty" gorm:"type:text"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
