// Package geometry enthält reine Bounding-Box-Funktionen für die Zuordnung
// von OCR-Wörtern zu Segmenten. Alle Boxen sind [x1,y1,x2,y2] mit Ursprung
// oben links.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry kennzeichnet eine fehlerhafte Bounding-Box.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Box ist ein achsenparalleles Rechteck mit x1<x2 und y1<y2.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Validate prüft eine rohe Koordinatenliste und liefert eine gültige Box.
// Erwartet werden genau 4 endliche Zahlen mit x2>x1 und y2>y1; degenerierte
// oder invertierte Boxen werden abgelehnt.
func Validate(coords []float64) (Box, error) {
	if len(coords) != 4 {
		return Box{}, fmt.Errorf("%w: expected 4 coordinates, got %d", ErrInvalidGeometry, len(coords))
	}
	for _, c := range coords {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return Box{}, fmt.Errorf("%w: non-finite coordinate %v", ErrInvalidGeometry, c)
		}
	}
	b := Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return Box{}, fmt.Errorf("%w: degenerate box [%v %v %v %v]", ErrInvalidGeometry, b.X1, b.Y1, b.X2, b.Y2)
	}
	return b, nil
}

// Overlaps meldet, ob sich zwei Boxen mit strikt positiver Fläche schneiden.
// Berührende Kanten zählen nicht als Überlappung.
func Overlaps(a, b Box) bool {
	w := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	h := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	return w > 0 && h > 0
}

// Area liefert die Fläche einer Box; negative Ausdehnungen zählen als 0.
func Area(b Box) float64 {
	return math.Max(0, b.X2-b.X1) * math.Max(0, b.Y2-b.Y1)
}
