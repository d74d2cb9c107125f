package services

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapWithConcurrency_PreservesOrder(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	for _, concurrency := range []int{1, 2, 7, 50, 100} {
		var calls int32
		results, err := MapWithConcurrency(context.Background(), items, concurrency, func(_ context.Context, _ int, item int) (int, error) {
			atomic.AddInt32(&calls, 1)
			// Zufällige Fertigstellungsreihenfolge provozieren.
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			return item * 10, nil
		})
		require.NoError(t, err)
		require.Len(t, results, len(items))
		assert.Equal(t, int32(len(items)), atomic.LoadInt32(&calls))
		for i, r := range results {
			assert.Equal(t, i*10, r)
		}
	}
}

func TestMapWithConcurrency_BoundsInFlight(t *testing.T) {
	const concurrency = 3
	var inFlight, maxInFlight int32

	items := make([]int, 30)
	_, err := MapWithConcurrency(context.Background(), items, concurrency, func(_ context.Context, _ int, _ int) (struct{}, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(concurrency))
}

func TestMapWithConcurrency_PropagatesFirstError(t *testing.T) {
	boom := errors.New("boom")
	items := []int{0, 1, 2, 3, 4, 5}

	var processed int32
	results, err := MapWithConcurrency(context.Background(), items, 2, func(_ context.Context, _ int, item int) (int, error) {
		if item == 2 {
			return 0, boom
		}
		atomic.AddInt32(&processed, 1)
		return item, nil
	})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, results)
	// Geschwister laufen weiter: mindestens die vor dem Fehler beanspruchten
	// Elemente wurden verarbeitet.
	assert.GreaterOrEqual(t, atomic.LoadInt32(&processed), int32(2))
}

func TestMapWithConcurrency_StopsClaimingAfterError(t *testing.T) {
	boom := errors.New("boom")
	failedSignal := make(chan struct{})
	var calls int32

	items := []int{0, 1, 2, 3}
	_, err := MapWithConcurrency(context.Background(), items, 2, func(_ context.Context, i int, _ int) (int, error) {
		atomic.AddInt32(&calls, 1)
		switch i {
		case 0:
			// Läuft während des Fehlers weiter und darf zu Ende kommen.
			<-failedSignal
			time.Sleep(50 * time.Millisecond)
			return 0, nil
		case 1:
			close(failedSignal)
			return 0, boom
		default:
			return i, nil
		}
	})
	require.ErrorIs(t, err, boom)
	// Nach dem Fehler werden die Elemente 2 und 3 nicht mehr beansprucht.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMapWithConcurrency_EmptyInput(t *testing.T) {
	results, err := MapWithConcurrency(context.Background(), nil, 4, func(_ context.Context, _ int, _ int) (int, error) {
		t.Fatal("mapper darf nicht aufgerufen werden")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMapWithConcurrency_SingleWorkerSequential(t *testing.T) {
	var order []int
	items := []int{0, 1, 2, 3}
	_, err := MapWithConcurrency(context.Background(), items, 1, func(_ context.Context, i int, _ int) (struct{}, error) {
		order = append(order, i)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}
