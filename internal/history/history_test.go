package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/gorhc/internal/rhc"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := New(3)
	for i := 1; i <= 5; i++ {
		b.Add(Entry{Status: 200, Message: fmt.Sprintf("req %d", i)})
	}

	got := b.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, "req 5", got[0].Message)
	assert.Equal(t, "req 4", got[1].Message)
	assert.Equal(t, "req 3", got[2].Message)
	assert.Equal(t, 5, got[0].Seq)
	assert.Equal(t, 5, b.Total())
	assert.Equal(t, 3, b.Len())
}

func TestBufferDefaultCapacity(t *testing.T) {
	b := New(0)
	assert.Equal(t, DefaultCapacity, b.Cap())
	for i := 0; i < 9; i++ {
		b.Add(Entry{})
	}
	assert.Equal(t, DefaultCapacity, b.Len())
}

func TestBufferFillsMetadata(t *testing.T) {
	b := New(2)
	fixed := time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	sent := rhc.PoolFrom(rhc.Entry{Header: "X-Server-Sig", Token: "aa"}, rhc.Entry{Header: "X-Server-Veil", Token: "bb"})
	e := b.Add(Entry{Sent: sent})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, fixed, e.Time)
	assert.Equal(t, Fingerprint([]string{"X-Server-Sig", "X-Server-Veil"}), e.Fingerprint)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, e.ID, latest.ID)

	_, ok = New(1).Latest()
	assert.False(t, ok)
}

func TestBufferEntriesIsCopy(t *testing.T) {
	b := New(2)
	b.Add(Entry{Message: "a"})
	got := b.Entries()
	got[0].Message = "changed"
	assert.Equal(t, "a", b.Entries()[0].Message)
}

func TestBufferConcurrentAdd(t *testing.T) {
	b := New(5)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Add(Entry{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Total())
	assert.Equal(t, 5, b.Len())
}

func TestFingerprint(t *testing.T) {
	t.Run("case insensitive", func(t *testing.T) {
		assert.Equal(t, Fingerprint([]string{"X-Server-Sig"}), Fingerprint([]string{"x-server-sig"}))
	})
	t.Run("order matters", func(t *testing.T) {
		a := Fingerprint([]string{"X-Server-Sig", "X-Server-Veil"})
		b := Fingerprint([]string{"X-Server-Veil", "X-Server-Sig"})
		assert.NotEqual(t, a, b)
	})
	t.Run("different sets differ", func(t *testing.T) {
		assert.NotEqual(t, Fingerprint([]string{"X-Server-Sig"}), Fingerprint([]string{"X-Server-Flag"}))
	})
}
