package registry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateAssignsIncreasingGenerations(t *testing.T) {
	r := New[string]()
	_, g0 := r.Create("a")
	_, g1 := r.Create("b")
	_, g2 := r.Create("a")

	assert.Less(t, g0, g1)
	assert.Less(t, g1, g2)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_StaleCloseIsNoop(t *testing.T) {
	r := New[string]()
	_, g0 := r.Create("c1")
	fresh, g1 := r.Create("c1")

	assert.False(t, r.CloseGeneration("c1", g0, nil), "stale generation must not close")

	got, gen, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.Equal(t, g1, gen)
	assert.False(t, fresh.Terminated())
}

// Scenario D: create at t=0, recreate at t=10ms, delayed close of the first
// generation at t=60ms, lookup at t=70ms still sees the second stream.
func TestRegistry_DelayedCloseAfterRecreate(t *testing.T) {
	r := New[int]()

	_, g0 := r.Create("c1")
	time.Sleep(10 * time.Millisecond)
	second, g1 := r.Create("c1")

	closed := make(chan bool, 1)
	time.AfterFunc(50*time.Millisecond, func() {
		closed <- r.CloseGeneration("c1", g0, nil)
	})
	require.False(t, <-closed)

	time.Sleep(10 * time.Millisecond)
	got, gen, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, g1, gen)
}

func TestRegistry_CloseWithErrorMarksStreamErrored(t *testing.T) {
	r := New[int]()
	s, gen := r.Create("c1")
	boom := errors.New("engine failed")

	require.True(t, r.CloseGeneration("c1", gen, boom))
	_, _, ok := r.Get("c1")
	assert.False(t, ok)

	it, err := s.Iter()
	require.NoError(t, err)
	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_CloseMissingIsNoop(t *testing.T) {
	r := New[int]()
	assert.False(t, r.Close("nope", nil))
	assert.False(t, r.CloseGeneration("nope", 0, nil))
}

func TestRegistry_Clear(t *testing.T) {
	r := New[int]()
	a, _ := r.Create("a")
	b, _ := r.Create("b")

	r.Clear()

	assert.Equal(t, 0, r.Len())
	for _, s := range []interface{ Terminated() bool }{a, b} {
		assert.True(t, s.Terminated())
	}
	it, _ := a.Iter()
	_, err := it.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestRegistry_GenerationGuardProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("close with any superseded generation leaves the latest stream live", prop.ForAll(
		func(id string, recreates int) bool {
			r := New[int]()
			var gens []Generation
			for i := 0; i <= recreates; i++ {
				_, g := r.Create(id)
				gens = append(gens, g)
			}
			latest, latestGen, _ := r.Get(id)
			for _, g := range gens[:len(gens)-1] {
				if r.CloseGeneration(id, g, nil) {
					return false
				}
			}
			got, gen, ok := r.Get(id)
			return ok && got == latest && gen == latestGen && !got.Terminated()
		},
		gen.AlphaString(),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
