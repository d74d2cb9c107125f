package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"leadscan/config"
	"leadscan/models"
)

// PublicationService besitzt die Status-Maschine einer Publikation und
// sequenziert die Pipeline-Stufen: Rasterisierung, dann Lead-Extraktion.
// Fehlerrouting und der grobgranulare Retry (immer ganze Stufe) laufen hier.
type PublicationService struct {
	Config     *config.Config
	DB         *gorm.DB
	Blobs      BlobStore
	Rasterizer *Rasterizer
	Extractor  *Extractor
	Scheduler  Scheduler
	Logger     *zap.Logger
}

// NewPublicationService erstellt den Orchestrator.
func NewPublicationService(cfg *config.Config, db *gorm.DB, blobs BlobStore, rasterizer *Rasterizer, extractor *Extractor, scheduler Scheduler, logger *zap.Logger) *PublicationService {
	return &PublicationService{
		Config:     cfg,
		DB:         db,
		Blobs:      blobs,
		Rasterizer: rasterizer,
		Extractor:  extractor,
		Scheduler:  scheduler,
		Logger:     logger,
	}
}

// CreateInput beschreibt eine neu hochgeladene Publikation. Entweder liegt das
// PDF als Bytes vor (Upload) oder als externe URL (Feed).
type CreateInput struct {
	Name       string
	SourceType string
	PDFURL     string
	PDFData    []byte
	FileName   string
}

// Create legt eine Publikation im Status PAGE_PROCESSING an und plant die
// Rasterisierung ein.
func (s *PublicationService) Create(ctx context.Context, input CreateInput) (*models.Publication, error) {
	if input.Name == "" {
		input.Name = input.FileName
	}
	if input.SourceType == "" {
		input.SourceType = models.SourceTypeUpload
	}

	pub := models.Publication{
		Name:       input.Name,
		Status:     models.StatusPageProcessing,
		SourceType: input.SourceType,
		PDFURL:     input.PDFURL,
	}

	if len(input.PDFData) > 0 {
		key := fmt.Sprintf("publications/source/%d-%s", time.Now().UnixNano(), input.FileName)
		if err := s.Blobs.Upload(ctx, key, input.PDFData, "application/pdf"); err != nil {
			return nil, fmt.Errorf("store source pdf: %w", err)
		}
		pub.PDFKey = key
	} else if input.PDFURL == "" {
		return nil, fmt.Errorf("publication needs either pdf data or a pdf url")
	}

	if err := s.DB.Create(&pub).Error; err != nil {
		return nil, fmt.Errorf("create publication: %w", err)
	}
	s.Logger.Info("Publikation angelegt",
		zap.Uint("publication_id", pub.ID),
		zap.String("name", pub.Name),
		zap.String("source_type", pub.SourceType))

	s.schedulePageProcessing(pub.ID)
	return &pub, nil
}

// Get lädt eine Publikation oder meldet ErrNotFound.
func (s *PublicationService) Get(id uint) (*models.Publication, error) {
	var pub models.Publication
	if err := s.DB.First(&pub, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("publication %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &pub, nil
}

// RunPageProcessing führt die Rasterisierungs-Stufe aus und routet das
// Ergebnis: Erfolg geht in LEAD_PROCESSING über und plant die Lead-Extraktion,
// jeder Fehler endet in PROCESS_PAGE_ERROR.
func (s *PublicationService) RunPageProcessing(ctx context.Context, id uint) error {
	pub, err := s.Get(id)
	if err != nil {
		return err
	}

	err = s.DB.Model(pub).Updates(map[string]any{
		"status":                   models.StatusPageProcessing,
		"page_processing_attempts": gorm.Expr("page_processing_attempts + 1"),
		"error_code":               "",
		"error_message":            "",
	}).Error
	if err != nil {
		return fmt.Errorf("enter page processing: %w", err)
	}

	if err := s.Rasterizer.Run(ctx, pub); err != nil {
		s.markError(pub.ID, models.StatusProcessPageError, "PAGE_PROCESSING_FAILED", err)
		return err
	}

	if err := s.setStatus(pub.ID, models.StatusLeadProcessing); err != nil {
		return err
	}
	s.scheduleLeadProcessing(pub.ID)
	return nil
}

// RunLeadProcessing führt die Lead-Extraktion aus. Bei einem aggregierten
// Seitenfehler ist die Finalisierung bereits gelaufen; der Status wird danach
// auf PROCESS_LEAD_ERROR gedreht.
func (s *PublicationService) RunLeadProcessing(ctx context.Context, id uint) (int, error) {
	pub, err := s.Get(id)
	if err != nil {
		return 0, err
	}

	if err := s.setStatus(pub.ID, models.StatusLeadProcessing); err != nil {
		return 0, err
	}

	created, err := s.Extractor.Run(ctx, pub)
	if created > 0 {
		leadsCreatedCounter.Add(float64(created))
	}
	if err != nil {
		s.markError(pub.ID, models.StatusProcessLeadError, "LEAD_PROCESSING_FAILED", err)
		return created, err
	}
	publicationsProcessedCounter.Inc()
	return created, nil
}

// Retry startet die fehlgeschlagene Stufe komplett neu. Einen feineren Retry
// (pro Seite) gibt es bewusst nicht.
func (s *PublicationService) Retry(ctx context.Context, id uint) error {
	pub, err := s.Get(id)
	if err != nil {
		return err
	}

	switch pub.Status {
	case models.StatusProcessPageError:
		// Alle Seiten und OCR-Ergebnisse des alten Laufs verwerfen.
		if err := s.DB.Where("publication_id = ?", pub.ID).Delete(&models.Page{}).Error; err != nil {
			return fmt.Errorf("discard pages: %w", err)
		}
		if err := s.DB.Where("publication_id = ?", pub.ID).Delete(&models.PageOcr{}).Error; err != nil {
			return fmt.Errorf("discard ocr results: %w", err)
		}
		for _, key := range pub.PageKeys {
			_ = s.Blobs.Remove(ctx, key)
		}
		s.Logger.Info("Retry der Rasterisierung geplant", zap.Uint("publication_id", pub.ID))
		s.schedulePageProcessing(pub.ID)
		return nil

	case models.StatusProcessLeadError:
		s.Logger.Info("Retry der Lead-Extraktion geplant", zap.Uint("publication_id", pub.ID))
		s.scheduleLeadProcessing(pub.ID)
		return nil

	default:
		return fmt.Errorf("publication %d in status %s: %w", pub.ID, pub.Status, ErrRetryNotAllowed)
	}
}

// Confirm markiert eine Publikation als fachlich bestätigt (externe Aktion).
func (s *PublicationService) Confirm(id uint) error {
	pub, err := s.Get(id)
	if err != nil {
		return err
	}
	if pub.Status != models.StatusLeadsFound && pub.Status != models.StatusNoLeadsFound {
		return fmt.Errorf("publication %d in status %s cannot be confirmed", pub.ID, pub.Status)
	}
	return s.setStatus(pub.ID, models.StatusConfirmed)
}

// Delete entfernt eine Publikation samt aller abhängigen Datensätze und Blobs.
func (s *PublicationService) Delete(ctx context.Context, id uint) error {
	pub, err := s.Get(id)
	if err != nil {
		return err
	}

	var leadIDs []uint
	if err := s.DB.Model(&models.Lead{}).Where("publication_id = ?", pub.ID).Pluck("id", &leadIDs).Error; err != nil {
		return err
	}
	if len(leadIDs) > 0 {
		if err := s.DB.Where("lead_id IN ?", leadIDs).Delete(&models.LeadEnrichment{}).Error; err != nil {
			return err
		}
	}
	if err := s.DB.Where("publication_id = ?", pub.ID).Delete(&models.Lead{}).Error; err != nil {
		return err
	}
	if err := s.DB.Where("publication_id = ?", pub.ID).Delete(&models.PageOcr{}).Error; err != nil {
		return err
	}
	if err := s.DB.Where("publication_id = ?", pub.ID).Delete(&models.Page{}).Error; err != nil {
		return err
	}

	for _, key := range pub.PageKeys {
		_ = s.Blobs.Remove(ctx, key)
	}
	if pub.PDFKey != "" {
		_ = s.Blobs.Remove(ctx, pub.PDFKey)
	}

	if err := s.DB.Delete(&models.Publication{}, pub.ID).Error; err != nil {
		return err
	}
	s.Logger.Info("Publikation gelöscht", zap.Uint("publication_id", pub.ID), zap.Int("leads", len(leadIDs)))
	return nil
}

// ReenrichLead stößt die Anreicherung eines einzelnen Leads erneut an.
func (s *PublicationService) ReenrichLead(ctx context.Context, leadID uint) (*models.LeadEnrichment, error) {
	var lead models.Lead
	if err := s.DB.First(&lead, leadID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("lead %d: %w", leadID, ErrNotFound)
		}
		return nil, err
	}
	pub, err := s.Get(lead.PublicationID)
	if err != nil {
		return nil, err
	}
	return s.Extractor.Reenrich(ctx, pub, &lead)
}

// ReconcileLeadCounts gleicht NumberOfLeads aller Publikationen mit der
// tatsächlichen Zahl nicht gelöschter Leads ab und liefert die Zahl der
// korrigierten Publikationen. Läuft nächtlich per Cron.
func (s *PublicationService) ReconcileLeadCounts(ctx context.Context) (int, error) {
	var pubs []models.Publication
	if err := s.DB.Find(&pubs).Error; err != nil {
		return 0, err
	}

	fixed := 0
	for _, pub := range pubs {
		var active int64
		err := s.DB.Model(&models.Lead{}).
			Where("publication_id = ? AND is_deleted = ?", pub.ID, false).
			Count(&active).Error
		if err != nil {
			return fixed, err
		}
		if int(active) == pub.NumberOfLeads {
			continue
		}
		err = s.DB.Model(&models.Publication{}).Where("id = ?", pub.ID).
			Update("number_of_leads", active).Error
		if err != nil {
			return fixed, err
		}
		s.Logger.Warn("Lead-Zähler korrigiert",
			zap.Uint("publication_id", pub.ID),
			zap.Int("stored", pub.NumberOfLeads),
			zap.Int64("actual", active))
		fixed++
	}
	return fixed, nil
}

func (s *PublicationService) schedulePageProcessing(id uint) {
	s.Scheduler.Schedule("page-processing", 0, func() {
		if err := s.RunPageProcessing(context.Background(), id); err != nil {
			s.Logger.Error("Rasterisierung fehlgeschlagen",
				zap.Uint("publication_id", id), zap.Error(err))
		}
	})
}

func (s *PublicationService) scheduleLeadProcessing(id uint) {
	s.Scheduler.Schedule("lead-processing", 0, func() {
		if _, err := s.RunLeadProcessing(context.Background(), id); err != nil {
			s.Logger.Error("Lead-Extraktion fehlgeschlagen",
				zap.Uint("publication_id", id), zap.Error(err))
		}
	})
}

func (s *PublicationService) setStatus(id uint, status models.PublicationStatus) error {
	return s.DB.Model(&models.Publication{}).Where("id = ?", id).
		Update("status", status).Error
}

// markError setzt Status, Fehlercode und -nachricht, bevor der Fehler weiter
// nach oben gereicht wird. Der Status bleibt so auch dann konsistent, wenn der
// Aufrufer den Fehler beobachtet.
func (s *PublicationService) markError(id uint, status models.PublicationStatus, code string, cause error) {
	stageFailuresCounter.WithLabelValues(string(status)).Inc()
	err := s.DB.Model(&models.Publication{}).Where("id = ?", id).Updates(map[string]any{
		"status":        status,
		"error_code":    code,
		"error_message": cause.Error(),
	}).Error
	if err != nil {
		s.Logger.Error("Fehlerstatus konnte nicht gespeichert werden",
			zap.Uint("publication_id", id), zap.Error(err))
	}
}
