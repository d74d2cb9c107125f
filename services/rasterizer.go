package services

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"leadscan/config"
	"leadscan/models"
	"leadscan/providers/inference"
)

// Nebenläufigkeit innerhalb eines Chunks: Presign-Fan-out beim Vorbereiten der
// Upload-Ziele und kleinerer Fan-out beim Persistieren der Seiten.
const (
	uploadTargetConcurrency = 8
	pagePersistConcurrency  = 4
)

// Rasterizer zerlegt ein Quelldokument in gerenderte Seitenbilder. Große
// Dokumente werden in Fenstern fester Größe verarbeitet, damit ein einzelner
// Render-Aufruf beschränkt bleibt.
type Rasterizer struct {
	Config   *config.Config
	DB       *gorm.DB
	Blobs    BlobStore
	Pipeline *inference.Client
	Logger   *zap.Logger
}

// NewRasterizer erstellt die Rasterisierungs-Stufe.
func NewRasterizer(cfg *config.Config, db *gorm.DB, blobs BlobStore, pipeline *inference.Client, logger *zap.Logger) *Rasterizer {
	return &Rasterizer{Config: cfg, DB: db, Blobs: blobs, Pipeline: pipeline, Logger: logger}
}

func (r *Rasterizer) policy() inference.RetryPolicy {
	return inference.RetryPolicy{
		MaxAttempts:   r.Config.PDFMaxAttempts,
		BaseDelay:     r.Config.HTTPBaseDelay(),
		MaxDelay:      r.Config.HTTPMaxDelay(),
		JitterPercent: r.Config.HTTPJitterPercent,
	}
}

// Run rasterisiert die Publikation vollständig: Seitenzahl bestimmen, Fenster
// rendern, Seiten persistieren, Publikation mit Geometrie aktualisieren.
// Entweder werden alle Seiten angelegt oder keine; bei einem Fehler bleibt
// kein Teilbestand des Laufs zurück.
func (r *Rasterizer) Run(ctx context.Context, pub *models.Publication) error {
	log := r.Logger.With(zap.Uint("publication_id", pub.ID))

	docURL, err := r.resolveDocumentURL(ctx, pub)
	if err != nil {
		return err
	}

	analyzeResp, err := r.Pipeline.Analyze(ctx, inference.AnalyzeRequest{PDFURL: docURL}, r.policy())
	if err != nil {
		return err
	}
	if analyzeResp.PageCount < 0 {
		return fmt.Errorf("analyze returned negative page count %d", analyzeResp.PageCount)
	}
	log.Info("PDF analysiert", zap.Int("page_count", analyzeResp.PageCount))

	results, err := r.processInChunks(ctx, pub, docURL, analyzeResp.PageCount)
	if err != nil {
		return err
	}

	// Defensiv: Chunks kommen sequenziell, trotzdem vor dem Persistieren nach
	// Seitennummer sortieren.
	sort.Slice(results, func(i, j int) bool { return results[i].Page < results[j].Page })

	// Alter Seitenbestand weicht dem neuen Lauf.
	if err := r.DB.Where("publication_id = ?", pub.ID).Delete(&models.Page{}).Error; err != nil {
		return fmt.Errorf("discard old pages: %w", err)
	}

	_, err = MapWithConcurrency(ctx, results, pagePersistConcurrency, func(ctx context.Context, _ int, res inference.ProcessResult) (struct{}, error) {
		page := models.Page{
			PublicationID: pub.ID,
			PageNumber:    res.Page,
			StorageKey:    res.StorageKey,
			Width:         res.Width,
			Height:        res.Height,
		}
		if err := r.DB.Create(&page).Error; err != nil {
			return struct{}{}, fmt.Errorf("persist page %d: %w", res.Page, err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	maxWidth, maxHeight := 0, 0
	pageKeys := make([]string, 0, len(results))
	for _, res := range results {
		if res.Width > maxWidth {
			maxWidth = res.Width
		}
		if res.Height > maxHeight {
			maxHeight = res.Height
		}
		pageKeys = append(pageKeys, res.StorageKey)
	}

	pub.PageCount = analyzeResp.PageCount
	pub.MaxPageWidth = maxWidth
	pub.MaxPageHeight = maxHeight
	pub.PageKeys = pageKeys
	// Nur die Geometriefelder schreiben: Status und Versuchszähler gehören dem
	// Orchestrator und dürfen hier nicht mit veralteten Struct-Werten
	// überschrieben werden.
	err = r.DB.Model(pub).
		Select("page_count", "max_page_width", "max_page_height", "page_keys").
		Updates(pub).Error
	if err != nil {
		return fmt.Errorf("update publication geometry: %w", err)
	}

	log.Info("Rasterisierung abgeschlossen",
		zap.Int("pages", len(results)),
		zap.Int("max_width", maxWidth),
		zap.Int("max_height", maxHeight))
	return nil
}

// resolveDocumentURL liefert eine lesbare URL für das Quelldokument.
func (r *Rasterizer) resolveDocumentURL(ctx context.Context, pub *models.Publication) (string, error) {
	if pub.PDFKey != "" {
		url, err := r.Blobs.PresignGet(ctx, pub.PDFKey)
		if err != nil {
			return "", fmt.Errorf("resolve source pdf %s: %w", pub.PDFKey, err)
		}
		return url, nil
	}
	if pub.PDFURL != "" {
		return pub.PDFURL, nil
	}
	return "", fmt.Errorf("publication %d has no source document: %w", pub.ID, ErrNotFound)
}

// processInChunks rendert [1..pageCount] in Fenstern fester Größe. Pro Fenster
// wird für jede Seite ein Upload-Ziel generiert und genau ein Render-Aufruf
// abgesetzt; weicht die Ergebniszahl vom Fenster ab, bricht die Stufe hart ab.
func (r *Rasterizer) processInChunks(ctx context.Context, pub *models.Publication, docURL string, pageCount int) ([]inference.ProcessResult, error) {
	chunkSize := r.Config.PDFChunkSize
	if chunkSize < 1 {
		chunkSize = 1
	}

	var all []inference.ProcessResult
	for start := 1; start <= pageCount; start += chunkSize {
		end := start + chunkSize - 1
		if end > pageCount {
			end = pageCount
		}

		pageNumbers := make([]int, 0, end-start+1)
		for p := start; p <= end; p++ {
			pageNumbers = append(pageNumbers, p)
		}

		uploads, err := MapWithConcurrency(ctx, pageNumbers, uploadTargetConcurrency, func(ctx context.Context, _ int, pageNum int) (inference.UploadTarget, error) {
			key := fmt.Sprintf("publications/%d/pages/%d.webp", pub.ID, pageNum)
			url, err := r.Blobs.PresignPut(ctx, key)
			if err != nil {
				return inference.UploadTarget{}, fmt.Errorf("upload target for page %d: %w", pageNum, err)
			}
			return inference.UploadTarget{Key: key, URL: url}, nil
		})
		if err != nil {
			return nil, err
		}

		resp, err := r.Pipeline.ProcessPages(ctx, inference.ProcessRequest{
			PDFURL:      docURL,
			Uploads:     uploads,
			StartPage:   start,
			EndPage:     end,
			TargetWidth: r.Config.PDFTargetWidth,
			WebpQuality: r.Config.PDFWebpQuality,
			RenderDPI:   r.Config.PDFRenderDPI,
		}, r.policy())
		if err != nil {
			return nil, err
		}

		if len(resp.Results) != len(pageNumbers) {
			return nil, &ChunkMismatchError{
				StartPage: start,
				EndPage:   end,
				Expected:  len(pageNumbers),
				Got:       len(resp.Results),
			}
		}
		all = append(all, resp.Results...)
	}
	return all, nil
}
