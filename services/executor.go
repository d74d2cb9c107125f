package services

import (
	"context"
	"sync"
	"sync/atomic"
)

// MapWithConcurrency wendet mapper auf jedes Element an, mit höchstens
// concurrency gleichzeitig laufenden Aufrufen. Die Worker beanspruchen
// Indizes über einen gemeinsamen atomaren Zähler; das Ergebnis an Position i
// gehört immer zum Eingabeelement i, unabhängig von der Fertigstellungs-
// reihenfolge.
//
// Schlägt ein mapper-Aufruf fehl, werden keine neuen Elemente mehr
// beansprucht; bereits laufende Geschwister laufen zu Ende und ihre
// Seiteneffekte bleiben bestehen. Der Aufrufer erhält den zuerst
// beobachteten Fehler.
func MapWithConcurrency[T, R any](ctx context.Context, items []T, concurrency int, mapper func(ctx context.Context, index int, item T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	var next atomic.Int64
	var failed atomic.Bool
	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !failed.Load() {
				i := int(next.Add(1)) - 1
				if i >= len(items) {
					return
				}
				r, err := mapper(ctx, i, items[i])
				if err != nil {
					once.Do(func() { firstErr = err })
					failed.Store(true)
					return
				}
				results[i] = r
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
