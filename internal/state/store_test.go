package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CountersAndFlags(t *testing.T) {
	s := NewStore(map[string]Kind{"calls": KindCounter, "loggedIn": KindFlag})

	assert.Equal(t, int64(0), s.Counter("calls"))
	assert.False(t, s.Flag("loggedIn"))

	assert.Equal(t, int64(1), s.Add("calls", 1))
	assert.Equal(t, int64(3), s.Add("calls", 2))
	s.SetFlag("loggedIn", true)

	assert.Equal(t, int64(3), s.Counter("calls"))
	assert.True(t, s.Flag("loggedIn"))

	kind, ok := s.Kind("loggedIn")
	require.True(t, ok)
	assert.Equal(t, KindFlag, kind)

	s.Reset()
	assert.Equal(t, int64(0), s.Counter("calls"))
	assert.False(t, s.Flag("loggedIn"))
}

func TestStore_UnknownNames(t *testing.T) {
	s := NewStore(nil)

	assert.Equal(t, int64(0), s.Counter("missing"))
	assert.False(t, s.Flag("missing"))
	_, ok := s.Kind("missing")
	assert.False(t, ok)

	s.SetCounter("late", 7)
	assert.Equal(t, int64(7), s.Counter("late"))
	kind, ok := s.Kind("late")
	require.True(t, ok)
	assert.Equal(t, KindCounter, kind)
}

func TestStore_ApplyInOrder(t *testing.T) {
	s := NewStore(map[string]Kind{"n": KindCounter, "f": KindFlag})

	s.Apply([]Effect{
		{Op: OpIncrement, Name: "n", Kind: KindCounter},
		{Op: OpIncrement, Name: "n", Kind: KindCounter},
		{Op: OpDecrement, Name: "n", Kind: KindCounter},
		{Op: OpSet, Name: "f", Kind: KindFlag, Flag: true},
	})
	assert.Equal(t, int64(1), s.Counter("n"))
	assert.True(t, s.Flag("f"))

	s.Apply([]Effect{
		{Op: OpSet, Name: "n", Kind: KindCounter, Counter: 10},
		{Op: OpReset, Name: "f", Kind: KindFlag},
	})
	assert.Equal(t, int64(10), s.Counter("n"))
	assert.False(t, s.Flag("f"))
}

func TestStore_ConcurrentIncrementsAreNotLost(t *testing.T) {
	s := NewStore(map[string]Kind{"hits": KindCounter})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Apply([]Effect{{Op: OpIncrement, Name: "hits", Kind: KindCounter}})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5000), s.Counter("hits"))
}

func TestStore_Snapshot(t *testing.T) {
	s := NewStore(map[string]Kind{"b": KindFlag, "a": KindCounter})
	s.Add("a", 2)
	s.SetFlag("b", true)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, Value{Name: "a", Kind: KindCounter, Counter: 2}, snap[0])
	assert.Equal(t, Value{Name: "b", Kind: KindFlag, Flag: true}, snap[1])
}

func TestEffect_Validate(t *testing.T) {
	tests := []struct {
		name    string
		effect  Effect
		wantErr bool
	}{
		{"increment counter", Effect{Op: OpIncrement, Name: "n", Kind: KindCounter}, false},
		{"increment flag", Effect{Op: OpIncrement, Name: "f", Kind: KindFlag}, true},
		{"set flag", Effect{Op: OpSet, Name: "f", Kind: KindFlag, Flag: true}, false},
		{"no name", Effect{Op: OpReset}, true},
		{"bad op", Effect{Op: "explode", Name: "n"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.effect.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
