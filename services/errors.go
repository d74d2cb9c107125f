package services

import (
	"errors"
	"fmt"
)

// ErrNotFound kennzeichnet eine referenzierte Publikation, Seite oder ein
// referenziertes Lead, das nicht (mehr) im Speicher existiert.
var ErrNotFound = errors.New("resource not found")

// ErrRetryNotAllowed wird gemeldet, wenn eine Publikation in ihrem aktuellen
// Status keinen Retry anbietet.
var ErrRetryNotAllowed = errors.New("retry not allowed in current status")

// ChunkMismatchError meldet, dass ein Render-Chunk eine andere Seitenzahl
// geliefert hat als angefordert. Das ist ein harter Stufenfehler ohne Retry
// innerhalb der Stufe.
type ChunkMismatchError struct {
	StartPage int
	EndPage   int
	Expected  int
	Got       int
}

func (e *ChunkMismatchError) Error() string {
	return fmt.Sprintf("chunk %d-%d returned %d results, expected %d", e.StartPage, e.EndPage, e.Got, e.Expected)
}

// PageError hält den Fehler einer einzelnen Seite während der Lead-Extraktion
// fest. Er wird als Wert gesammelt, nicht geworfen, damit Geschwisterseiten
// weiterlaufen.
type PageError struct {
	PageNumber int
	Message    string
}

// StageError ist der aggregierte Fehler einer Pipeline-Stufe. Bei der
// Lead-Extraktion listet er alle fehlgeschlagenen Seiten auf.
type StageError struct {
	Stage       string
	TotalPages  int
	FailedPages []PageError
	Err         error
}

func (e *StageError) Error() string {
	if len(e.FailedPages) > 0 {
		return fmt.Sprintf("%s failed: %d/%d pages failed", e.Stage, len(e.FailedPages), e.TotalPages)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
