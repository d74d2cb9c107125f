package inference

import "leadscan/models"

// Pfade des externen Pipeline-Service.
const (
	PathAnalyze  = "/pdf/analyze"
	PathProcess  = "/pdf/process"
	PathOcr      = "/ocr/page"
	PathSegment  = "/segment/page"
	PathClassify = "/classify/lead"
	PathEnrich   = "/enrich/lead"
	PathMetadata = "/publication/metadata"
)

// UploadTarget ist ein vorab generiertes Schreibziel für eine gerenderte Seite.
type UploadTarget struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// AnalyzeRequest fragt die Seitenzahl eines PDFs ab.
type AnalyzeRequest struct {
	PDFURL string `json:"pdf_url"`
}

// AnalyzeResponse liefert die Seitenzahl.
type AnalyzeResponse struct {
	PageCount int `json:"page_count"`
}

// ProcessRequest rendert ein zusammenhängendes Seitenfenster und lädt die
// Ergebnisse auf die übergebenen Upload-Ziele hoch.
type ProcessRequest struct {
	PDFURL      string         `json:"pdf_url"`
	Uploads     []UploadTarget `json:"uploads"`
	StartPage   int            `json:"start_page"`
	EndPage     int            `json:"end_page"`
	TargetWidth int            `json:"target_width,omitempty"`
	WebpQuality int            `json:"webp_quality,omitempty"`
	RenderDPI   int            `json:"render_dpi,omitempty"`
}

// ProcessResult beschreibt eine gerenderte Seite.
type ProcessResult struct {
	StorageKey string `json:"storage_key"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Page       int    `json:"page"`
}

// ProcessResponse liefert die Ergebnisse eines Seitenfensters.
type ProcessResponse struct {
	Results []ProcessResult `json:"results"`
}

// OcrPageRequest fordert die Texterkennung für eine Seite an.
type OcrPageRequest struct {
	PublicationID string `json:"publication_id"`
	PageNumber    int    `json:"page_number"`
	ImageURL      string `json:"image_url"`
	PageWidth     int    `json:"page_width"`
	PageHeight    int    `json:"page_height"`
}

// OcrPageResponse liefert Engine-Kennung und erkannte Wort-Boxen.
type OcrPageResponse struct {
	Engine    string           `json:"engine,omitempty"`
	Version   string           `json:"version,omitempty"`
	WordBoxes []models.WordBox `json:"word_boxes"`
}

// SegmentPageRequest fordert die Segmentierung einer Seite an.
type SegmentPageRequest struct {
	PublicationID string           `json:"publication_id"`
	PageNumber    int              `json:"page_number"`
	ImageURL      string           `json:"image_url"`
	PageWidth     int              `json:"page_width"`
	PageHeight    int              `json:"page_height"`
	WordBoxes     []models.WordBox `json:"word_boxes"`
}

// Segment ist eine vorgeschlagene Artikel-Region.
type Segment struct {
	BBox []float64 `json:"bbox"`
	Type string    `json:"type,omitempty"`
}

// SegmentPageResponse liefert die Segmente einer Seite.
type SegmentPageResponse struct {
	Segments []Segment `json:"segments"`
}

// ClassifyLeadRequest fragt ab, ob ein Segment ein Lead ist.
type ClassifyLeadRequest struct {
	PublicationID string    `json:"publication_id"`
	PageNumber    int       `json:"page_number"`
	SegmentBBox   []float64 `json:"segment_bbox"`
	Text          string    `json:"text"`
}

// ClassifyLeadResponse liefert das Klassifikationsergebnis. Confidence kann
// fehlen; der Aufrufer setzt dann 0.5 ein.
type ClassifyLeadResponse struct {
	IsLead     bool     `json:"is_lead"`
	Confidence *float64 `json:"confidence,omitempty"`
	Prediction string   `json:"prediction,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// EnrichLeadRequest fordert die strukturierte Faktenextraktion für ein Lead an.
type EnrichLeadRequest struct {
	PublicationID string           `json:"publication_id"`
	PageNumber    int              `json:"page_number"`
	SegmentBBox   []float64        `json:"segment_bbox"`
	Text          string           `json:"text"`
	WordBoxes     []models.WordBox `json:"word_boxes,omitempty"`
}

// NamedEntity ist ein extrahierter Name mit Bounding-Box.
type NamedEntity struct {
	Name string    `json:"name"`
	BBox []float64 `json:"bbox"`
}

// EnrichLeadResponse liefert Artikel-Header sowie Personen- und Firmennamen,
// wahlweise mit Box-Annotation.
type EnrichLeadResponse struct {
	ArticleHeader     string        `json:"article_header,omitempty"`
	ArticleHeaderBBox []float64     `json:"article_header_bbox,omitempty"`
	PersonNames       []string      `json:"person_names,omitempty"`
	PersonNameBoxes   []NamedEntity `json:"person_name_boxes,omitempty"`
	CompanyNames      []string      `json:"company_names,omitempty"`
	CompanyNameBoxes  []NamedEntity `json:"company_name_boxes,omitempty"`
}

// MetadataPage ist der Seitenkontext für die Namens-/Datumserkennung.
type MetadataPage struct {
	PageNumber int              `json:"page_number"`
	PageWidth  int              `json:"page_width,omitempty"`
	PageHeight int              `json:"page_height,omitempty"`
	WordBoxes  []models.WordBox `json:"word_boxes"`
}

// MetadataRequest fordert die Erkennung von Publikationsname und -datum an.
type MetadataRequest struct {
	Pages        []MetadataPage `json:"pages"`
	FallbackName string         `json:"fallback_name,omitempty"`
}

// MetadataResponse liefert erkannten Namen und Datum (beides optional).
type MetadataResponse struct {
	PublicationName string `json:"publication_name,omitempty"`
	PublicationDate string `json:"publication_date,omitempty"`
}
