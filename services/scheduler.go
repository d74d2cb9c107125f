package services

import (
	"time"

	"go.uber.org/zap"
)

// Scheduler führt einen Job genau einmal aus, sofort oder nach einer
// Verzögerung.
type Scheduler interface {
	Schedule(name string, delay time.Duration, job func())
}

// AsyncScheduler führt Jobs in eigenen Goroutinen aus.
type AsyncScheduler struct {
	Logger *zap.Logger
}

// NewAsyncScheduler erstellt einen neuen AsyncScheduler.
func NewAsyncScheduler(logger *zap.Logger) *AsyncScheduler {
	return &AsyncScheduler{Logger: logger}
}

// Schedule startet den Job nach Ablauf der Verzögerung. Panics im Job werden
// abgefangen und geloggt, damit ein einzelner Job nicht den Prozess reißt.
func (s *AsyncScheduler) Schedule(name string, delay time.Duration, job func()) {
	time.AfterFunc(delay, func() {
		defer func() {
			if r := recover(); r != nil {
				s.Logger.Error("Job-Panic abgefangen", zap.String("job", name), zap.Any("panic", r))
			}
		}()
		s.Logger.Debug("Starte geplanten Job", zap.String("job", name))
		job()
	})
}
