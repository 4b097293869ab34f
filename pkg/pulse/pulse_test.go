package pulse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// levels replays a fixed sequence of input levels, holding the last one.
type levels struct {
	mu  sync.Mutex
	seq []bool
	i   int
}

func (l *levels) Read() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.seq[l.i]
	if l.i < len(l.seq)-1 {
		l.i++
	}
	return v
}

// wave builds a level sequence from runs of alternating levels starting low.
func wave(runs ...int) []bool {
	var seq []bool
	level := false
	for _, n := range runs {
		for i := 0; i < n; i++ {
			seq = append(seq, level)
		}
		level = !level
	}
	return seq
}

func poll(c *Counter, n int) {
	for i := 0; i < n; i++ {
		c.Update()
	}
}

func TestParseEdge(t *testing.T) {
	for name, want := range map[string]Edge{"": Rising, "rising": Rising, "falling": Falling, "both": Both} {
		got, err := ParseEdge(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseEdge("sideways")
	assert.Error(t, err)
}

func TestCounter_Edges(t *testing.T) {
	// Initial low read, then three clean pulses.
	seq := wave(1, 4, 5, 4, 5, 4, 5)

	tests := []struct {
		edge Edge
		want uint64
	}{
		{Rising, 3},
		{Falling, 3},
		{Both, 6},
	}
	for _, tt := range tests {
		c := NewCounter(&levels{seq: seq}, tt.edge, 3)
		poll(c, len(seq))
		assert.Equal(t, tt.want, c.Count(), "edge %d", tt.edge)
	}
}

func TestCounter_Blanking(t *testing.T) {
	// Low glitches of one and two polls stay under a three poll blanking
	// window, the three poll low is a real pulse gap.
	seq := wave(1, 4, 1, 4, 2, 4, 3, 4)

	c := NewCounter(&levels{seq: seq}, Rising, 3)
	poll(c, len(seq))
	assert.Equal(t, uint64(2), c.Count())

	c = NewCounter(&levels{seq: seq}, Rising, 1)
	poll(c, len(seq))
	assert.Equal(t, uint64(4), c.Count())
}

func TestCounter_StartsHigh(t *testing.T) {
	seq := append([]bool{true, true, true}, wave(4, 4)...)

	c := NewCounter(&levels{seq: seq}, Rising, 2)
	assert.False(t, c.Update())
	poll(c, len(seq))
	assert.Equal(t, uint64(1), c.Count())
}

func TestCounter_WideBlank(t *testing.T) {
	seq := wave(1, 40, 40)

	c := NewCounter(&levels{seq: seq}, Both, 99)
	poll(c, 31)
	assert.Zero(t, c.Count())
	poll(c, len(seq))
	assert.Equal(t, uint64(2), c.Count())
}

func TestBank(t *testing.T) {
	a := NewCounter(&levels{seq: wave(1, 2, 2, 2, 2)}, Rising, 1)
	b := NewCounter(&levels{seq: wave(1, 2, 2, 2, 2)}, Both, 1)
	bank := NewBank(time.Millisecond, a, b)
	assert.Equal(t, 2, bank.Len())

	for i := 0; i < 9; i++ {
		bank.Poll()
	}
	assert.Equal(t, []uint64{2, 4}, bank.Counts())

	bank.Restore([]uint64{100, 200, 300})
	assert.Equal(t, []uint64{100, 200}, bank.Counts())
	assert.NoError(t, bank.Close())
}

func TestBank_Run(t *testing.T) {
	c := NewCounter(&levels{seq: wave(1, 3, 3)}, Rising, 1)
	bank := NewBank(time.Millisecond, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bank.Run(ctx)
	}()

	require.Eventually(t, func() bool { return c.Count() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pulse bank did not stop")
	}
}
