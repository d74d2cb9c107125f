package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4280"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Externer Pipeline-Service (PDF-Rendering, OCR, Segmentierung, Klassifikation, Anreicherung)
	PipelineBaseURL string `envconfig:"PIPELINE_BASE_URL" required:"true"`
	PipelineAPIKey  string `envconfig:"PIPELINE_API_KEY"`

	// Resiliente HTTP-Aufrufe
	HTTPMaxAttempts   int `envconfig:"HTTP_MAX_ATTEMPTS" default:"2"`
	HTTPBaseDelayMS   int `envconfig:"HTTP_BASE_DELAY_MS" default:"500"`
	HTTPMaxDelayMS    int `envconfig:"HTTP_MAX_DELAY_MS" default:"10000"`
	HTTPJitterPercent int `envconfig:"HTTP_JITTER_PERCENT" default:"20"`

	// Rasterisierung
	PDFChunkSize   int `envconfig:"PDF_CHUNK_SIZE" default:"20"`
	PDFMaxAttempts int `envconfig:"PDF_MAX_ATTEMPTS" default:"2"`
	PDFTargetWidth int `envconfig:"PDF_TARGET_WIDTH" default:"1200"`
	PDFRenderDPI   int `envconfig:"PDF_RENDER_DPI" default:"150"`
	PDFWebpQuality int `envconfig:"PDF_WEBP_QUALITY" default:"85"`

	// Lead-Extraktion
	PageConcurrency    int `envconfig:"PAGE_CONCURRENCY" default:"2"`
	SegmentConcurrency int `envconfig:"SEGMENT_CONCURRENCY" default:"4"`

	// Nächtliche Abstimmung der Lead-Zähler
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 3 * * *"`

	S3Key    string `envconfig:"S3_KEY" required:"true"`
	S3Secret string `envconfig:"S3_SECRET" required:"true"`
	S3URL    string `envconfig:"S3_URL" required:"true"`
	S3Region string `envconfig:"S3_REGION" required:"true"`
	S3Bucket string `envconfig:"S3_BUCKET" required:"true"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// HTTPBaseDelay gibt die Basis-Wartezeit für den Backoff zurück.
func (c *Config) HTTPBaseDelay() time.Duration {
	return time.Duration(c.HTTPBaseDelayMS) * time.Millisecond
}

// HTTPMaxDelay gibt die maximale Wartezeit für den Backoff zurück.
func (c *Config) HTTPMaxDelay() time.Duration {
	return time.Duration(c.HTTPMaxDelayMS) * time.Millisecond
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
