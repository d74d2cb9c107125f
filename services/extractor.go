package services

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadscan/config"
	"leadscan/geometry"
	"leadscan/models"
	"leadscan/providers/inference"
)

// metadataPageLimit begrenzt, wie viele Seiten an die Namens-/Datumserkennung
// geschickt werden.
const metadataPageLimit = 3

// Extractor führt OCR, Segmentierung, Klassifikation und Anreicherung für eine
// bereits rasterisierte Publikation aus und persistiert Leads inkrementell.
type Extractor struct {
	Config   *config.Config
	DB       *gorm.DB
	Blobs    BlobStore
	Pipeline *inference.Client
	Logger   *zap.Logger
}

// NewExtractor erstellt die Lead-Extraktions-Stufe.
func NewExtractor(cfg *config.Config, db *gorm.DB, blobs BlobStore, pipeline *inference.Client, logger *zap.Logger) *Extractor {
	return &Extractor{Config: cfg, DB: db, Blobs: blobs, Pipeline: pipeline, Logger: logger}
}

func (e *Extractor) policy() inference.RetryPolicy {
	return inference.RetryPolicy{
		MaxAttempts:   e.Config.HTTPMaxAttempts,
		BaseDelay:     e.Config.HTTPBaseDelay(),
		MaxDelay:      e.Config.HTTPMaxDelay(),
		JitterPercent: e.Config.HTTPJitterPercent,
	}
}

// pageOutcome ist das Ergebnis einer Seite: Zahl erzeugter Leads oder ein
// festgehaltener Fehler. Fehler werden als Wert transportiert, damit
// Geschwisterseiten weiterlaufen.
type pageOutcome struct {
	PageNumber int
	Leads      int
	Err        error
}

// Run führt die komplette Lead-Extraktion für eine Publikation aus und liefert
// die Zahl neu erzeugter Leads. Die Finalisierung (Lead-Zähler, Endstatus,
// Metadaten) läuft auch dann, wenn einzelne Seiten fehlgeschlagen sind; der
// aggregierte Seitenfehler wird erst danach gemeldet.
func (e *Extractor) Run(ctx context.Context, pub *models.Publication) (int, error) {
	log := e.Logger.With(zap.Uint("publication_id", pub.ID))

	// Maschinen-Leads des letzten Laufs weichen dem neuen (Soft-Delete).
	err := e.DB.Model(&models.Lead{}).
		Where("publication_id = ? AND category = ? AND is_deleted = ?", pub.ID, models.LeadCategoryMachine, false).
		Update("is_deleted", true).Error
	if err != nil {
		return 0, fmt.Errorf("soft-delete previous machine leads: %w", err)
	}

	var pages []models.Page
	if err := e.DB.Where("publication_id = ?", pub.ID).Order("page_number asc").Find(&pages).Error; err != nil {
		return 0, fmt.Errorf("load pages: %w", err)
	}
	// Ein leeres Dokument (0 analysierte Seiten) läuft regulär bis zur
	// Finalisierung durch und endet in NO_LEADS_FOUND. Fehlende Seiten trotz
	// positiver Seitenzahl sind dagegen ein Datenfehler.
	if len(pages) == 0 && pub.PageCount > 0 {
		return 0, fmt.Errorf("publication %d has no rasterized pages: %w", pub.ID, ErrNotFound)
	}

	outcomes, err := MapWithConcurrency(ctx, pages, e.Config.PageConcurrency, func(ctx context.Context, _ int, page models.Page) (pageOutcome, error) {
		created, pageErr := e.processPage(ctx, pub, page)
		if pageErr != nil {
			log.Error("Seite fehlgeschlagen", zap.Int("page_number", page.PageNumber), zap.Error(pageErr))
			return pageOutcome{PageNumber: page.PageNumber, Err: pageErr}, nil
		}
		return pageOutcome{PageNumber: page.PageNumber, Leads: created}, nil
	})
	if err != nil {
		// Der Mapper gibt Fehler als Wert zurück; hierher kommt nur ein
		// abgebrochener Kontext.
		return 0, err
	}

	created := 0
	var failed []PageError
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			failed = append(failed, PageError{PageNumber: outcome.PageNumber, Message: outcome.Err.Error()})
			continue
		}
		created += outcome.Leads
	}

	if err := e.finalize(ctx, pub); err != nil {
		return created, err
	}
	log.Info("Lead-Extraktion abgeschlossen",
		zap.Int("leads_created", created),
		zap.Int("pages_failed", len(failed)),
		zap.Int("pages_total", len(pages)))

	if len(failed) > 0 {
		return created, &StageError{Stage: "lead extraction", TotalPages: len(pages), FailedPages: failed}
	}
	return created, nil
}

// processPage verarbeitet eine Seite: OCR-Upsert, Segmentierung und den
// Segment-Fan-out. Jeder Fehler hier gilt als Seitenfehler.
func (e *Extractor) processPage(ctx context.Context, pub *models.Publication, page models.Page) (int, error) {
	if page.StorageKey == "" {
		return 0, fmt.Errorf("page %d has no stored image: %w", page.PageNumber, ErrNotFound)
	}
	imageURL, err := e.Blobs.PresignGet(ctx, page.StorageKey)
	if err != nil {
		return 0, fmt.Errorf("resolve image for page %d: %w", page.PageNumber, err)
	}

	pubID := strconv.FormatUint(uint64(pub.ID), 10)
	ocrResp, err := e.Pipeline.OcrPage(ctx, inference.OcrPageRequest{
		PublicationID: pubID,
		PageNumber:    page.PageNumber,
		ImageURL:      imageURL,
		PageWidth:     page.Width,
		PageHeight:    page.Height,
	}, e.policy())
	if err != nil {
		return 0, err
	}

	words := filterWordBoxes(ocrResp.WordBoxes)
	plainText := joinWords(words)

	ocr := models.PageOcr{
		PublicationID: pub.ID,
		PageNumber:    page.PageNumber,
		Engine:        models.NormalizeOcrEngine(ocrResp.Engine),
		Version:       ocrResp.Version,
		WordBoxes:     words,
		PlainText:     plainText,
	}
	err = e.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "publication_id"}, {Name: "page_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"engine", "version", "word_boxes", "plain_text", "updated_at"}),
	}).Create(&ocr).Error
	if err != nil {
		return 0, fmt.Errorf("upsert ocr for page %d: %w", page.PageNumber, err)
	}

	segResp, err := e.Pipeline.SegmentPage(ctx, inference.SegmentPageRequest{
		PublicationID: pubID,
		PageNumber:    page.PageNumber,
		ImageURL:      imageURL,
		PageWidth:     page.Width,
		PageHeight:    page.Height,
		WordBoxes:     words,
	}, e.policy())
	if err != nil {
		return 0, err
	}

	segments := make([]inference.Segment, 0, len(segResp.Segments))
	for _, seg := range segResp.Segments {
		if len(seg.BBox) == 4 {
			segments = append(segments, seg)
		}
	}

	counts, err := MapWithConcurrency(ctx, segments, e.Config.SegmentConcurrency, func(ctx context.Context, _ int, seg inference.Segment) (int, error) {
		return e.processSegment(ctx, pub, page, seg, words)
	})
	if err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// processSegment klassifiziert ein Segment und legt bei Bedarf Lead und
// Anreicherung an. Liefert 1, wenn ein Lead entstanden ist, sonst 0.
func (e *Extractor) processSegment(ctx context.Context, pub *models.Publication, page models.Page, seg inference.Segment, words []models.WordBox) (int, error) {
	box, err := geometry.Validate(seg.BBox)
	if err != nil {
		// Ungültige Geometrie bricht nur dieses Segment ab, nicht die Seite.
		e.Logger.Warn("Segment mit ungültiger Box übersprungen",
			zap.Uint("publication_id", pub.ID),
			zap.Int("page_number", page.PageNumber),
			zap.Error(err))
		return 0, nil
	}

	segWords := wordsInBox(words, box)
	text := joinWords(segWords)

	pubID := strconv.FormatUint(uint64(pub.ID), 10)
	cls, err := e.Pipeline.ClassifyLead(ctx, inference.ClassifyLeadRequest{
		PublicationID: pubID,
		PageNumber:    page.PageNumber,
		SegmentBBox:   seg.BBox,
		Text:          text,
	}, e.policy())
	if err != nil {
		return 0, err
	}
	if !cls.IsLead {
		return 0, nil
	}

	lead := models.Lead{
		PublicationID:   pub.ID,
		PageNumber:      page.PageNumber,
		X1:              box.X1,
		Y1:              box.Y1,
		X2:              box.X2,
		Y2:              box.Y2,
		Category:        models.LeadCategoryMachine,
		ConfidenceScore: confidenceScore(cls.Confidence),
		Prediction:      prediction(cls.Prediction),
		Source:          models.LeadSourcePipeline,
	}
	if err := e.DB.Create(&lead).Error; err != nil {
		return 0, fmt.Errorf("create lead on page %d: %w", page.PageNumber, err)
	}

	now := time.Now()
	enrichment := models.LeadEnrichment{
		LeadID:    lead.ID,
		Status:    models.EnrichmentProcessing,
		StartedAt: &now,
	}
	if err := e.DB.Create(&enrichment).Error; err != nil {
		return 0, fmt.Errorf("create enrichment for lead %d: %w", lead.ID, err)
	}

	// Anreicherungsfehler bleiben lokal: das Lead existiert bereits und die
	// Anreicherung ist unabhängig erneut auslösbar.
	e.enrich(ctx, pub, &lead, seg.BBox, text, segWords)
	return 1, nil
}

// enrich ruft die Faktenextraktion auf und finalisiert die Anreicherung zu
// DONE oder ERROR. Fehler werden hier abgefangen, nie weitergereicht.
func (e *Extractor) enrich(ctx context.Context, pub *models.Publication, lead *models.Lead, bbox []float64, text string, words []models.WordBox) {
	resp, err := e.Pipeline.EnrichLead(ctx, inference.EnrichLeadRequest{
		PublicationID: strconv.FormatUint(uint64(pub.ID), 10),
		PageNumber:    lead.PageNumber,
		SegmentBBox:   bbox,
		Text:          text,
		WordBoxes:     words,
	}, e.policy())

	var enrichment models.LeadEnrichment
	if dbErr := e.DB.Where("lead_id = ?", lead.ID).First(&enrichment).Error; dbErr != nil {
		e.Logger.Error("Anreicherungszeile nicht gefunden",
			zap.Uint("lead_id", lead.ID), zap.Error(dbErr))
		return
	}

	now := time.Now()
	if err != nil {
		e.Logger.Warn("Anreicherung fehlgeschlagen, Lead bleibt bestehen",
			zap.Uint("lead_id", lead.ID), zap.Error(err))
		enrichment.Status = models.EnrichmentError
		enrichment.ErrorMessage = err.Error()
		enrichment.CompletedAt = &now
	} else {
		enrichment.Status = models.EnrichmentDone
		enrichment.ArticleHeader = resp.ArticleHeader
		enrichment.ArticleHeaderBox = resp.ArticleHeaderBBox
		enrichment.PersonNames = namedEntities(resp.PersonNames, resp.PersonNameBoxes)
		enrichment.CompanyNames = namedEntities(resp.CompanyNames, resp.CompanyNameBoxes)
		enrichment.ErrorMessage = ""
		enrichment.CompletedAt = &now
	}
	if dbErr := e.DB.Save(&enrichment).Error; dbErr != nil {
		e.Logger.Error("Anreicherung konnte nicht gespeichert werden",
			zap.Uint("lead_id", lead.ID), zap.Error(dbErr))
	}
}

// Reenrich stößt die Anreicherung für ein einzelnes, bereits bestehendes Lead
// erneut an (manueller Trigger). Der Segmenttext wird aus dem persistierten
// OCR-Ergebnis rekonstruiert.
func (e *Extractor) Reenrich(ctx context.Context, pub *models.Publication, lead *models.Lead) (*models.LeadEnrichment, error) {
	box, err := geometry.Validate([]float64{lead.X1, lead.Y1, lead.X2, lead.Y2})
	if err != nil {
		return nil, err
	}

	var ocr models.PageOcr
	err = e.DB.Where("publication_id = ? AND page_number = ?", lead.PublicationID, lead.PageNumber).First(&ocr).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("no ocr result for page %d: %w", lead.PageNumber, ErrNotFound)
		}
		return nil, err
	}

	segWords := wordsInBox(ocr.WordBoxes, box)
	text := joinWords(segWords)

	now := time.Now()
	enrichment := models.LeadEnrichment{
		LeadID:    lead.ID,
		Status:    models.EnrichmentProcessing,
		StartedAt: &now,
	}
	err = e.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lead_id"}},
		DoUpdates: clause.Assignments(map[string]any{"status": models.EnrichmentProcessing, "started_at": &now, "completed_at": nil, "error_message": "", "updated_at": now}),
	}).Create(&enrichment).Error
	if err != nil {
		return nil, fmt.Errorf("reset enrichment for lead %d: %w", lead.ID, err)
	}

	e.enrich(ctx, pub, lead, []float64{lead.X1, lead.Y1, lead.X2, lead.Y2}, text, segWords)

	var result models.LeadEnrichment
	if err := e.DB.Where("lead_id = ?", lead.ID).First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

// finalize stimmt den Lead-Zähler ab, setzt den Endstatus samt Zeitstempel
// und frischt die Publikationsmetadaten auf (Best-Effort).
func (e *Extractor) finalize(ctx context.Context, pub *models.Publication) error {
	var activeLeads int64
	err := e.DB.Model(&models.Lead{}).
		Where("publication_id = ? AND is_deleted = ?", pub.ID, false).
		Count(&activeLeads).Error
	if err != nil {
		return fmt.Errorf("count active leads: %w", err)
	}

	status := models.StatusNoLeadsFound
	if activeLeads > 0 {
		status = models.StatusLeadsFound
	}
	now := time.Now()
	updates := map[string]any{
		"number_of_leads":  activeLeads,
		"status":           status,
		"lead_obtained_at": &now,
	}
	if err := e.DB.Model(&models.Publication{}).Where("id = ?", pub.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("finalize publication: %w", err)
	}
	pub.NumberOfLeads = int(activeLeads)
	pub.Status = status
	pub.LeadObtainedAt = &now

	e.refreshMetadata(ctx, pub)
	return nil
}

// refreshMetadata versucht, Publikationsname und -datum aus den ersten Seiten
// zu erkennen. Fehler werden geloggt und verschluckt.
func (e *Extractor) refreshMetadata(ctx context.Context, pub *models.Publication) {
	var ocrs []models.PageOcr
	err := e.DB.Where("publication_id = ?", pub.ID).
		Order("page_number asc").
		Limit(metadataPageLimit).
		Find(&ocrs).Error
	if err != nil || len(ocrs) == 0 {
		return
	}

	req := inference.MetadataRequest{FallbackName: pub.Name}
	for _, ocr := range ocrs {
		req.Pages = append(req.Pages, inference.MetadataPage{
			PageNumber: ocr.PageNumber,
			WordBoxes:  ocr.WordBoxes,
		})
	}

	resp, err := e.Pipeline.PublicationMetadata(ctx, req, e.policy())
	if err != nil {
		e.Logger.Warn("Metadaten-Erkennung fehlgeschlagen",
			zap.Uint("publication_id", pub.ID), zap.Error(err))
		return
	}

	updates := map[string]any{}
	if resp.PublicationName != "" {
		updates["name"] = resp.PublicationName
	}
	if resp.PublicationDate != "" {
		if date, perr := time.Parse("2006-01-02", resp.PublicationDate); perr == nil {
			updates["publication_date"] = &date
		}
	}
	if len(updates) == 0 {
		return
	}
	if err := e.DB.Model(&models.Publication{}).Where("id = ?", pub.ID).Updates(updates).Error; err != nil {
		e.Logger.Warn("Metadaten konnten nicht gespeichert werden",
			zap.Uint("publication_id", pub.ID), zap.Error(err))
	}
}

// filterWordBoxes behält nur Wörter mit genau 4 Koordinaten und nicht-leerem Text.
func filterWordBoxes(words []models.WordBox) []models.WordBox {
	filtered := make([]models.WordBox, 0, len(words))
	for _, w := range words {
		if len(w.BBox) != 4 || strings.TrimSpace(w.Text) == "" {
			continue
		}
		filtered = append(filtered, w)
	}
	return filtered
}

// joinWords verkettet Worttexte mit einfachen Leerzeichen.
func joinWords(words []models.WordBox) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, " ")
}

// wordsInBox liefert alle Wörter, deren Box das Segment mit strikt positiver
// Fläche überlappt. Berührende Kanten zählen nicht.
func wordsInBox(words []models.WordBox, box geometry.Box) []models.WordBox {
	var hits []models.WordBox
	for _, w := range words {
		wb, err := geometry.Validate(w.BBox)
		if err != nil {
			continue
		}
		if geometry.Overlaps(wb, box) {
			hits = append(hits, w)
		}
	}
	return hits
}

// confidenceScore bildet eine optionale Konfidenz [0,1] auf 0-100 ab.
// Fehlende Werte zählen als 0.5.
func confidenceScore(confidence *float64) int {
	c := 0.5
	if confidence != nil {
		c = math.Max(0, math.Min(1, *confidence))
	}
	return int(math.Round(c * 100))
}

// prediction liefert die gemeldete Polarität, Standard "positive".
func prediction(p string) string {
	if p == "" {
		return "positive"
	}
	return p
}

// namedEntities bevorzugt die box-annotierte Variante und fällt sonst auf die
// reinen Namenslisten zurück.
func namedEntities(names []string, boxes []inference.NamedEntity) []models.NamedEntityBox {
	if len(boxes) > 0 {
		out := make([]models.NamedEntityBox, 0, len(boxes))
		for _, b := range boxes {
			out = append(out, models.NamedEntityBox{Name: b.Name, BBox: b.BBox})
		}
		return out
	}
	out := make([]models.NamedEntityBox, 0, len(names))
	for _, n := range names {
		out = append(out, models.NamedEntityBox{Name: n})
	}
	return out
}
