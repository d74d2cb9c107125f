package models

import "time"

// Bekannte OCR-Engines. Unbekannte Werte fallen auf Tesseract zurück.
const (
	OcrEngineTesseract = "TESSERACT"
	OcrEngineAbbyy     = "ABBYY"
	OcrEngineVision    = "GOOGLE_VISION"
)

// NormalizeOcrEngine bildet einen gemeldeten Engine-Namen auf die geschlossene Menge ab.
func NormalizeOcrEngine(engine string) string {
	switch engine {
	case OcrEngineTesseract, OcrEngineAbbyy, OcrEngineVision:
		return engine
	default:
		return OcrEngineTesseract
	}
}

// WordBox ist ein einzelnes OCR-Token mit seiner Bounding-Box [x1,y1,x2,y2].
type WordBox struct {
	Text string    `json:"text"`
	BBox []float64 `json:"bbox"`
}

// PageOcr ist das OCR-Ergebnis einer Seite. Pro (Publikation, Seite) existiert
// höchstens eine Zeile; Wiederholungsläufe überschreiben sie (Upsert).
type PageOcr struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PublicationID uint `json:"publication_id" gorm:"uniqueIndex:idx_pub_page_ocr;not null"`
	PageNumber    int  `json:"page_number" gorm:"uniqueIndex:idx_pub_page_ocr;not null"`

	Engine  string `json:"engine"`
	Version string `json:"version,omitempty"`

	WordBoxes []WordBox `json:"word_boxes" gorm:"serializer:json"`
	PlainText string    `json:"plain_text" gorm:"type:text"`
}

// TableName gibt explizit den Tabellennamen an.
func (PageOcr) TableName() string {
	return "page_ocrs"
}
