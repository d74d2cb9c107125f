package models

import "time"

// PublicationStatus beschreibt den Lebenszyklus einer Publikation in der Pipeline.
type PublicationStatus string

const (
	StatusPageProcessing   PublicationStatus = "PAGE_PROCESSING"
	StatusProcessPageError PublicationStatus = "PROCESS_PAGE_ERROR"
	StatusLeadProcessing   PublicationStatus = "LEAD_PROCESSING"
	StatusProcessLeadError PublicationStatus = "PROCESS_LEAD_ERROR"
	StatusNoLeadsFound     PublicationStatus = "NO_LEADS_FOUND"
	StatusLeadsFound       PublicationStatus = "LEADS_FOUND"
	StatusConfirmed        PublicationStatus = "CONFIRMED"
)

// Herkunft des Quelldokuments.
const (
	SourceTypeUpload = "UPLOAD"
	SourceTypeFeed   = "FEED"
)

// Publication repräsentiert ein hochgeladenes Quelldokument und dessen Verarbeitungszustand.
type Publication struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name       string            `json:"name" gorm:"not null"`
	Status     PublicationStatus `json:"status" gorm:"index;not null"`
	SourceType string            `json:"source_type" gorm:"default:'UPLOAD'"`

	// Quelldatei: entweder ein S3-Key (Upload) oder eine externe URL (Feed).
	PDFKey string `json:"pdf_key,omitempty"`
	PDFURL string `json:"pdf_url,omitempty"`

	PageCount     int `json:"page_count"`
	MaxPageWidth  int `json:"max_page_width"`
	MaxPageHeight int `json:"max_page_height"`

	// Zähler über alle nicht gelöschten Leads der Publikation.
	NumberOfLeads int `json:"number_of_leads"`

	// Anzahl der Rasterisierungs-Versuche (für Retry-Diagnose).
	PageProcessingAttempts int `json:"page_processing_attempts"`

	// Geordnete S3-Keys der gerenderten Seitenbilder.
	PageKeys []string `json:"page_keys,omitempty" gorm:"serializer:json"`

	PublicationDate *time.Time `json:"publication_date,omitempty"`
	LeadObtainedAt  *time.Time `json:"lead_obtained_at,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" gorm:"type:text"`
}
