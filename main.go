package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"leadscan/config"
	"leadscan/geometry"
	"leadscan/models"
	"leadscan/providers/inference"
	"leadscan/services"
	"leadscan/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	// Auto-Migration
	logging.Info("Running database auto-migration...")
	err = db.AutoMigrate(
		&models.Publication{},
		&models.Page{},
		&models.PageOcr{},
		&models.Lead{},
		&models.LeadEnrichment{},
	)
	if err != nil {
		logging.Fatal("Database auto-migration failed", zap.Error(err))
	}

	// Setup Services
	blobStore, err := storage.NewStore(cfg, logging)
	if err != nil {
		logging.Fatal("S3 store creation failed", zap.Error(err))
	}
	pipelineClient := inference.NewClient(cfg.PipelineBaseURL, cfg.PipelineAPIKey, logging)
	scheduler := services.NewAsyncScheduler(logging)
	rasterizer := services.NewRasterizer(cfg, db, blobStore, pipelineClient, logging)
	extractor := services.NewExtractor(cfg, db, blobStore, pipelineClient, logging)
	pubService := services.NewPublicationService(cfg, db, blobStore, rasterizer, extractor, scheduler, logging)

	// Setup Cron Jobs
	cronRunner := cron.New()
	_, err = cronRunner.AddFunc(cfg.CronSchedule, func() {
		fixed, err := pubService.ReconcileLeadCounts(context.Background())
		if err != nil {
			logging.Error("Lead-Zähler-Abgleich fehlgeschlagen", zap.Error(err))
			return
		}
		logging.Info("Lead-Zähler abgeglichen", zap.Int("corrected", fixed))
	})
	if err != nil {
		logging.Fatal("Invalid cron schedule", zap.Error(err))
	}
	cronRunner.Start()

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Setup Routes
	setupPublicationRoutes(router, pubService, db, logging)
	setupLeadRoutes(router, pubService, db, logging)

	logging.Info("Starting leadscan API server", zap.String("port", cfg.HTTPPort))
	if err := router.Run(":" + cfg.HTTPPort); err != nil {
		logging.Fatal("Server failed to start", zap.Error(err))
	}
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func setupPublicationRoutes(router *gin.Engine, svc *services.PublicationService, db *gorm.DB, logging *zap.Logger) {
	// Neue Publikation anlegen: Multipart-Upload oder JSON mit externer PDF-URL.
	router.POST("/publications", func(c *gin.Context) {
		input := services.CreateInput{}

		if file, err := c.FormFile("file"); err == nil {
			f, err := file.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open uploaded file"})
				return
			}
			defer f.Close()
			data, err := io.ReadAll(f)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded file"})
				return
			}
			input.PDFData = data
			input.FileName = file.Filename
			input.Name = c.PostForm("name")
			input.SourceType = models.SourceTypeUpload
		} else {
			var body struct {
				Name       string `json:"name"`
				PDFURL     string `json:"pdf_url" binding:"required"`
				SourceType string `json:"source_type"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			input.Name = body.Name
			input.PDFURL = body.PDFURL
			input.SourceType = body.SourceType
			if input.SourceType == "" {
				input.SourceType = models.SourceTypeFeed
			}
			if input.Name == "" {
				input.Name = body.PDFURL
			}
		}

		pub, err := svc.Create(c.Request.Context(), input)
		if err != nil {
			logging.Error("Publikation konnte nicht angelegt werden", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, pub)
	})

	router.GET("/publications", func(c *gin.Context) {
		var pubs []models.Publication
		query := db.Order("created_at desc")
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}
		if err := query.Find(&pubs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pubs)
	})

	router.GET("/publications/:id", func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		pub, err := svc.Get(id)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "publication not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pub)
	})

	router.GET("/publications/:id/pages", func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		var pages []models.Page
		if err := db.Where("publication_id = ?", id).Order("page_number asc").Find(&pages).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pages)
	})

	router.POST("/publications/:id/retry", func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		if err := svc.Retry(c.Request.Context(), id); err != nil {
			switch {
			case errors.Is(err, services.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "publication not found"})
			case errors.Is(err, services.ErrRetryNotAllowed):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "retry scheduled"})
	})

	router.POST("/publications/:id/confirm", func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		if err := svc.Confirm(id); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "publication not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": string(models.StatusConfirmed)})
	})

	router.DELETE("/publications/:id", func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		if err := svc.Delete(c.Request.Context(), id); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "publication not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})
}

func setupLeadRoutes(router *gin.Engine, svc *services.PublicationService, db *gorm.DB, logging *zap.Logger) {
	router.GET("/publications/:id/leads", func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		query := db.Where("publication_id = ?", id)
		if c.Query("include_deleted") != "true" {
			query = query.Where("is_deleted = ?", false)
		}
		var leads []models.Lead
		if err := query.Order("page_number asc, y1 asc").Find(&leads).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, leads)
	})

	// Manuell gezeichnetes Lead eines Reviewers anlegen.
	router.POST("/publications/:id/leads", func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		var body struct {
			PageNumber int       `json:"page_number" binding:"required"`
			BBox       []float64 `json:"bbox" binding:"required"`
			CreatedBy  string    `json:"created_by"`
			ReviewTag  string    `json:"review_tag"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		box, err := geometry.Validate(body.BBox)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var page models.Page
		if err := db.Where("publication_id = ? AND page_number = ?", id, body.PageNumber).First(&page).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "page not found"})
			return
		}

		lead := models.Lead{
			PublicationID: id,
			PageNumber:    body.PageNumber,
			X1:            box.X1,
			Y1:            box.Y1,
			X2:            box.X2,
			Y2:            box.Y2,
			Category:      models.LeadCategoryManual,
			Source:        models.LeadSourceManual,
			CreatedBy:     body.CreatedBy,
			ReviewTag:     body.ReviewTag,
		}
		if err := db.Create(&lead).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		recountLeads(db, logging, id)
		c.JSON(http.StatusCreated, lead)
	})

	// Review-Tag setzen oder Lead soft-löschen bzw. wiederherstellen.
	router.PATCH("/leads/:leadId", func(c *gin.Context) {
		leadID, ok := parseID(c, "leadId")
		if !ok {
			return
		}
		var body struct {
			ReviewTag *string `json:"review_tag"`
			IsDeleted *bool   `json:"is_deleted"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var lead models.Lead
		if err := db.First(&lead, leadID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "lead not found"})
			return
		}

		if body.ReviewTag != nil {
			lead.ReviewTag = *body.ReviewTag
		}
		deletionChanged := body.IsDeleted != nil && *body.IsDeleted != lead.IsDeleted
		if body.IsDeleted != nil {
			lead.IsDeleted = *body.IsDeleted
		}
		if err := db.Save(&lead).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if deletionChanged {
			recountLeads(db, logging, lead.PublicationID)
		}
		c.JSON(http.StatusOK, lead)
	})

	router.GET("/leads/:leadId/enrichment", func(c *gin.Context) {
		leadID, ok := parseID(c, "leadId")
		if !ok {
			return
		}
		var enrichment models.LeadEnrichment
		if err := db.Where("lead_id = ?", leadID).First(&enrichment).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "enrichment not found"})
			return
		}
		c.JSON(http.StatusOK, enrichment)
	})

	// Manueller Trigger: Anreicherung eines Leads erneut ausführen.
	router.POST("/leads/:leadId/enrich", func(c *gin.Context) {
		leadID, ok := parseID(c, "leadId")
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
		defer cancel()

		enrichment, err := svc.ReenrichLead(ctx, leadID)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, enrichment)
	})
}

// recountLeads hält Publication.NumberOfLeads nach manuellen Eingriffen mit
// den aktiven Leads synchron.
func recountLeads(db *gorm.DB, logging *zap.Logger, publicationID uint) {
	var active int64
	err := db.Model(&models.Lead{}).
		Where("publication_id = ? AND is_deleted = ?", publicationID, false).
		Count(&active).Error
	if err != nil {
		logging.Error("Lead-Zähler konnte nicht ermittelt werden",
			zap.Uint("publication_id", publicationID), zap.Error(err))
		return
	}
	err = db.Model(&models.Publication{}).Where("id = ?", publicationID).
		Update("number_of_leads", active).Error
	if err != nil {
		logging.Error("Lead-Zähler konnte nicht gespeichert werden",
			zap.Uint("publication_id", publicationID), zap.Error(err))
	}
}
