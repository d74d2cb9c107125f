package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"leadscan/models"
	"leadscan/providers/inference"
)

// pipelineFixture simuliert OCR, Segmentierung, Klassifikation, Anreicherung
// und Metadaten-Erkennung des externen Service.
type pipelineFixture struct {
	mu           sync.Mutex
	wordsByPage  map[int][]models.WordBox
	segsByPage   map[int][]inference.Segment
	classifyResp func(inference.ClassifyLeadRequest) inference.ClassifyLeadResponse
	enrichFails  func(inference.EnrichLeadRequest) bool
	ocrFailPages map[int]bool
	metadataName string
	classifyReqs []inference.ClassifyLeadRequest
}

func floatPtr(f float64) *float64 { return &f }

func (f *pipelineFixture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case inference.PathOcr:
			req := decodeJSON[inference.OcrPageRequest](t, r)
			if f.ocrFailPages[req.PageNumber] {
				http.Error(w, "ocr worker crashed", http.StatusInternalServerError)
				return
			}
			writeJSON(t, w, inference.OcrPageResponse{
				Engine:    "TESSERACT",
				Version:   "5.x",
				WordBoxes: f.wordsByPage[req.PageNumber],
			})
		case inference.PathSegment:
			req := decodeJSON[inference.SegmentPageRequest](t, r)
			writeJSON(t, w, inference.SegmentPageResponse{Segments: f.segsByPage[req.PageNumber]})
		case inference.PathClassify:
			req := decodeJSON[inference.ClassifyLeadRequest](t, r)
			f.mu.Lock()
			f.classifyReqs = append(f.classifyReqs, req)
			f.mu.Unlock()
			resp := inference.ClassifyLeadResponse{IsLead: true, Confidence: floatPtr(0.87)}
			if f.classifyResp != nil {
				resp = f.classifyResp(req)
			}
			writeJSON(t, w, resp)
		case inference.PathEnrich:
			req := decodeJSON[inference.EnrichLeadRequest](t, r)
			if f.enrichFails != nil && f.enrichFails(req) {
				http.Error(w, "enrichment model unavailable", http.StatusInternalServerError)
				return
			}
			writeJSON(t, w, inference.EnrichLeadResponse{
				ArticleHeader:     "Auszeichnung für Muster GmbH",
				ArticleHeaderBBox: []float64{12, 12, 48, 20},
				PersonNames:       []string{"Max Muster"},
				PersonNameBoxes:   []inference.NamedEntity{{Name: "Max Muster", BBox: []float64{12, 12, 40, 20}}},
				CompanyNames:      []string{"Muster GmbH"},
			})
		case inference.PathMetadata:
			if f.metadataName != "" {
				writeJSON(t, w, inference.MetadataResponse{PublicationName: f.metadataName, PublicationDate: "2026-03-14"})
				return
			}
			writeJSON(t, w, inference.MetadataResponse{})
		default:
			http.NotFound(w, r)
		}
	}
}

// seedPublication legt eine rasterisierte Publikation mit n Seiten an.
func seedPublication(t *testing.T, db *gorm.DB, pageCount int) *models.Publication {
	t.Helper()
	pub := models.Publication{Name: "scan-007.pdf", Status: models.StatusLeadProcessing, PageCount: pageCount}
	require.NoError(t, db.Create(&pub).Error)
	for p := 1; p <= pageCount; p++ {
		page := models.Page{
			PublicationID: pub.ID,
			PageNumber:    p,
			StorageKey:    fmt.Sprintf("publications/%d/pages/%d.webp", pub.ID, p),
			Width:         1000,
			Height:        1400,
		}
		require.NoError(t, db.Create(&page).Error)
	}
	return &pub
}

func defaultWords() []models.WordBox {
	return []models.WordBox{
		{Text: "A", BBox: []float64{12, 12, 20, 20}},
		{Text: "B", BBox: []float64{100, 100, 110, 110}},
	}
}

func TestExtractor_HappyPath(t *testing.T) {
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{1: defaultWords()},
		segsByPage: map[int][]inference.Segment{
			1: {{BBox: []float64{10, 10, 50, 50}}},
		},
		metadataName: "Wirtschaft Aktuell",
	}
	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 1)

	created, err := svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// Nur das überlappende Wort "A" gehört zum Segmenttext.
	require.Len(t, fx.classifyReqs, 1)
	assert.Equal(t, "A", fx.classifyReqs[0].Text)

	var ocr models.PageOcr
	require.NoError(t, db.Where("publication_id = ? AND page_number = ?", pub.ID, 1).First(&ocr).Error)
	assert.Equal(t, models.OcrEngineTesseract, ocr.Engine)
	assert.Equal(t, "A B", ocr.PlainText)
	assert.Len(t, ocr.WordBoxes, 2)

	var lead models.Lead
	require.NoError(t, db.Where("publication_id = ?", pub.ID).First(&lead).Error)
	assert.Equal(t, 87, lead.ConfidenceScore)
	assert.Equal(t, "positive", lead.Prediction)
	assert.Equal(t, models.LeadCategoryMachine, lead.Category)
	assert.Equal(t, models.LeadSourcePipeline, lead.Source)
	assert.Equal(t, 10.0, lead.X1)
	assert.Equal(t, 50.0, lead.Y2)
	assert.False(t, lead.IsDeleted)

	var enrichment models.LeadEnrichment
	require.NoError(t, db.Where("lead_id = ?", lead.ID).First(&enrichment).Error)
	assert.Equal(t, models.EnrichmentDone, enrichment.Status)
	assert.Equal(t, "Auszeichnung für Muster GmbH", enrichment.ArticleHeader)
	require.Len(t, enrichment.PersonNames, 1)
	assert.Equal(t, "Max Muster", enrichment.PersonNames[0].Name)
	assert.Equal(t, []float64{12, 12, 40, 20}, enrichment.PersonNames[0].BBox)
	require.Len(t, enrichment.CompanyNames, 1)
	assert.Empty(t, enrichment.CompanyNames[0].BBox)
	assert.NotNil(t, enrichment.StartedAt)
	assert.NotNil(t, enrichment.CompletedAt)

	var reloaded models.Publication
	require.NoError(t, db.First(&reloaded, pub.ID).Error)
	assert.Equal(t, models.StatusLeadsFound, reloaded.Status)
	assert.Equal(t, 1, reloaded.NumberOfLeads)
	assert.NotNil(t, reloaded.LeadObtainedAt)
	// Metadaten-Erkennung hat den kryptischen Dateinamen ersetzt.
	assert.Equal(t, "Wirtschaft Aktuell", reloaded.Name)
	require.NotNil(t, reloaded.PublicationDate)
}

func TestExtractor_NoLeadsFound(t *testing.T) {
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{1: defaultWords()},
		segsByPage:  map[int][]inference.Segment{1: {{BBox: []float64{10, 10, 50, 50}}}},
		classifyResp: func(inference.ClassifyLeadRequest) inference.ClassifyLeadResponse {
			return inference.ClassifyLeadResponse{IsLead: false, Confidence: floatPtr(0.1), Prediction: "negative"}
		},
	}
	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 1)

	created, err := svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)
	assert.Zero(t, created)

	var reloaded models.Publication
	require.NoError(t, db.First(&reloaded, pub.ID).Error)
	assert.Equal(t, models.StatusNoLeadsFound, reloaded.Status)
	assert.Zero(t, reloaded.NumberOfLeads)
}

func TestExtractor_MissingConfidenceDefaultsTo50(t *testing.T) {
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{1: defaultWords()},
		segsByPage:  map[int][]inference.Segment{1: {{BBox: []float64{10, 10, 50, 50}}}},
		classifyResp: func(inference.ClassifyLeadRequest) inference.ClassifyLeadResponse {
			return inference.ClassifyLeadResponse{IsLead: true}
		},
	}
	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 1)

	_, err := svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)

	var lead models.Lead
	require.NoError(t, db.Where("publication_id = ?", pub.ID).First(&lead).Error)
	assert.Equal(t, 50, lead.ConfidenceScore)
	assert.Equal(t, "positive", lead.Prediction)
}

func TestExtractor_EnrichmentFailureIsIsolated(t *testing.T) {
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{1: defaultWords()},
		segsByPage: map[int][]inference.Segment{
			1: {
				{BBox: []float64{10, 10, 50, 50}},
				{BBox: []float64{60, 60, 120, 120}},
			},
		},
		enrichFails: func(req inference.EnrichLeadRequest) bool {
			// Nur die Anreicherung des ersten Segments schlägt fehl.
			return req.SegmentBBox[0] == 10
		},
	}
	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 1)

	created, err := svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	var leads []models.Lead
	require.NoError(t, db.Where("publication_id = ?", pub.ID).Order("x1 asc").Find(&leads).Error)
	require.Len(t, leads, 2)

	var failedEnrichment, okEnrichment models.LeadEnrichment
	require.NoError(t, db.Where("lead_id = ?", leads[0].ID).First(&failedEnrichment).Error)
	require.NoError(t, db.Where("lead_id = ?", leads[1].ID).First(&okEnrichment).Error)

	assert.Equal(t, models.EnrichmentError, failedEnrichment.Status)
	assert.Contains(t, failedEnrichment.ErrorMessage, "enrich")
	assert.NotNil(t, failedEnrichment.CompletedAt)
	assert.Equal(t, models.EnrichmentDone, okEnrichment.Status)

	// Beide Leads bleiben bestehen, der Lauf gilt als Erfolg.
	var reloaded models.Publication
	require.NoError(t, db.First(&reloaded, pub.ID).Error)
	assert.Equal(t, models.StatusLeadsFound, reloaded.Status)
	assert.Equal(t, 2, reloaded.NumberOfLeads)
}

func TestExtractor_PageFailureDoesNotStopSiblings(t *testing.T) {
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{
			1: defaultWords(),
			3: defaultWords(),
		},
		segsByPage: map[int][]inference.Segment{
			1: {{BBox: []float64{10, 10, 50, 50}}},
			3: {{BBox: []float64{10, 10, 50, 50}}},
		},
		ocrFailPages: map[int]bool{2: true},
	}
	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 3)

	created, err := svc.RunLeadProcessing(context.Background(), pub.ID)
	require.Error(t, err)
	assert.Equal(t, 2, created)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "lead extraction failed: 1/3 pages failed", stageErr.Error())
	require.Len(t, stageErr.FailedPages, 1)
	assert.Equal(t, 2, stageErr.FailedPages[0].PageNumber)

	// Seiten 1 und 3 haben ihre Leads samt Anreicherung normal erzeugt.
	var leads []models.Lead
	require.NoError(t, db.Where("publication_id = ? AND is_deleted = ?", pub.ID, false).Find(&leads).Error)
	assert.Len(t, leads, 2)

	var reloaded models.Publication
	require.NoError(t, db.First(&reloaded, pub.ID).Error)
	assert.Equal(t, models.StatusProcessLeadError, reloaded.Status)
	assert.Equal(t, "LEAD_PROCESSING_FAILED", reloaded.ErrorCode)
	// Die Finalisierung lief vor dem Fehler: der Zähler stimmt trotzdem.
	assert.Equal(t, 2, reloaded.NumberOfLeads)
}

func TestExtractor_RerunSoftDeletesAndUpserts(t *testing.T) {
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{1: defaultWords()},
		segsByPage:  map[int][]inference.Segment{1: {{BBox: []float64{10, 10, 50, 50}}}},
	}
	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 1)

	_, err := svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)
	_, err = svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)

	// OCR-Upsert: genau eine Zeile pro (Publikation, Seite).
	var ocrCount int64
	require.NoError(t, db.Model(&models.PageOcr{}).Where("publication_id = ?", pub.ID).Count(&ocrCount).Error)
	assert.Equal(t, int64(1), ocrCount)

	// Alte Maschinen-Leads sind soft-gelöscht, der Zähler zählt nur aktive.
	var total, active int64
	require.NoError(t, db.Model(&models.Lead{}).Where("publication_id = ?", pub.ID).Count(&total).Error)
	require.NoError(t, db.Model(&models.Lead{}).Where("publication_id = ? AND is_deleted = ?", pub.ID, false).Count(&active).Error)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(1), active)

	var reloaded models.Publication
	require.NoError(t, db.First(&reloaded, pub.ID).Error)
	assert.Equal(t, 1, reloaded.NumberOfLeads)
}

func TestExtractor_InvalidSegmentGeometrySkipsSegmentOnly(t *testing.T) {
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{1: defaultWords()},
		segsByPage: map[int][]inference.Segment{
			1: {
				{BBox: []float64{50, 50, 10, 10}}, // invertiert
				{BBox: []float64{10, 10, 50}},     // zu wenige Koordinaten
				{BBox: []float64{10, 10, 50, 50}}, // gültig
			},
		},
	}
	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 1)

	created, err := svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	// Nur das gültige Segment wurde klassifiziert.
	assert.Len(t, fx.classifyReqs, 1)
}

func TestExtractor_ManualLeadsSurviveRerun(t *testing.T) {
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{1: defaultWords()},
		segsByPage:  map[int][]inference.Segment{1: {{BBox: []float64{10, 10, 50, 50}}}},
	}
	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 1)

	manual := models.Lead{
		PublicationID: pub.ID,
		PageNumber:    1,
		X1:            200, Y1: 200, X2: 300, Y2: 300,
		Category: models.LeadCategoryManual,
		Source:   models.LeadSourceManual,
	}
	require.NoError(t, db.Create(&manual).Error)

	_, err := svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)

	var reloadedManual models.Lead
	require.NoError(t, db.First(&reloadedManual, manual.ID).Error)
	assert.False(t, reloadedManual.IsDeleted)

	var reloaded models.Publication
	require.NoError(t, db.First(&reloaded, pub.ID).Error)
	// Maschinen-Lead plus manuelles Lead.
	assert.Equal(t, 2, reloaded.NumberOfLeads)
}

func TestReenrichLead_RecoversFromError(t *testing.T) {
	var failEnrich = true
	fx := &pipelineFixture{
		wordsByPage: map[int][]models.WordBox{1: defaultWords()},
		segsByPage:  map[int][]inference.Segment{1: {{BBox: []float64{10, 10, 50, 50}}}},
	}
	fx.enrichFails = func(inference.EnrichLeadRequest) bool { return failEnrich }

	svc, db, _ := newStack(t, fx.handler(t))
	pub := seedPublication(t, db, 1)

	_, err := svc.Extractor.Run(context.Background(), pub)
	require.NoError(t, err)

	var lead models.Lead
	require.NoError(t, db.Where("publication_id = ?", pub.ID).First(&lead).Error)
	var enrichment models.LeadEnrichment
	require.NoError(t, db.Where("lead_id = ?", lead.ID).First(&enrichment).Error)
	require.Equal(t, models.EnrichmentError, enrichment.Status)

	// Externer Trigger nach behobenem Modellproblem.
	failEnrich = false
	result, err := svc.ReenrichLead(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentDone, result.Status)
	assert.Equal(t, "Auszeichnung für Muster GmbH", result.ArticleHeader)
	assert.Empty(t, result.ErrorMessage)
}
