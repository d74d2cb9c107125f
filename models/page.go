package models

import "time"

// Page repräsentiert ein gerendertes Seitenbild einer Publikation.
// Seitennummern sind 1-basiert und innerhalb einer Publikation eindeutig.
type Page struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	PublicationID uint `json:"publication_id" gorm:"uniqueIndex:idx_pub_page;not null"`
	PageNumber    int  `json:"page_number" gorm:"uniqueIndex:idx_pub_page;not null"`

	// S3-Key des gerenderten Seitenbildes.
	StorageKey string `json:"storage_key" gorm:"not null"`

	Width  int `json:"width"`
	Height int `json:"height"`
}
