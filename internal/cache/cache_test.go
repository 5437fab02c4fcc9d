package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bfffs/bfffs/common"
)

func TestBlobTierRoundTripAndRemove(t *testing.T) {
	c := New(1<<20, 1<<20)
	key := PbaKey(common.Pba{Cluster: 1, Lba: 42})
	blob := []byte("pre-decompression bytes")

	_, ok := c.GetBlob(key)
	assert.False(t, ok)

	c.InsertBlob(key, blob)
	got, ok := c.GetBlob(key)
	assert.True(t, ok)
	assert.Equal(t, blob, got)

	c.Remove(key)
	_, ok = c.GetBlob(key)
	assert.False(t, ok)
}

type testVal struct{ n int }

func (v testVal) Size() int { return v.n }

func TestHotTierByteBudgetEviction(t *testing.T) {
	c := New(100, 1<<20)
	c.Insert(RidKey(1), testVal{n: 60})
	c.Insert(RidKey(2), testVal{n: 60})

	_, ok1 := c.Get(RidKey(1))
	_, ok2 := c.Get(RidKey(2))
	assert.False(t, ok1, "oldest entry should have been evicted to stay within the byte budget")
	assert.True(t, ok2)
}
