package models

import "time"

// Kategorie eines Leads: maschinell erkannt oder manuell gezeichnet.
const (
	LeadCategoryMachine = "MACHINE"
	LeadCategoryManual  = "MANUAL"
)

// Provenienz eines Leads.
const (
	LeadSourcePipeline = "PIPELINE"
	LeadSourceManual   = "MANUAL"
	LeadSourceImport   = "IMPORT"
)

// Lead ist eine erkannte Artikel-Region auf einer Seite, die als Verkaufschance gilt.
// Gelöschte Leads bleiben für das Audit erhalten (Soft-Delete).
type Lead struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PublicationID uint `json:"publication_id" gorm:"index;not null"`
	PageNumber    int  `json:"page_number" gorm:"not null"`

	// Bounding-Box der Region, x1<x2 und y1<y2.
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`

	Category string `json:"category" gorm:"index;default:'MACHINE'"`

	// Konfidenz als Ganzzahl 0-100.
	ConfidenceScore int    `json:"confidence_score"`
	Prediction      string `json:"prediction,omitempty"`

	// Von Reviewern vergebenes Prüf-Tag.
	ReviewTag string `json:"review_tag,omitempty"`

	Source    string `json:"source" gorm:"default:'PIPELINE'"`
	CreatedBy string `json:"created_by,omitempty"`

	IsDeleted bool `json:"is_deleted" gorm:"index;default:false"`
}
