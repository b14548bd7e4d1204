package ringlog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(s string) Record {
	return Record{bytes: []byte(s)}
}

func Test_RingLogEmpty(t *testing.T) {
	r := New(4)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Occupancy())

	_, _, ok := r.FindByOffset(0)
	assert.False(t, ok)

	_, _, ok = r.GetByIndex(0)
	assert.False(t, ok)
}

func Test_RingLogAppendBelowCapacity(t *testing.T) {
	r := New(4)

	evicted := r.Append(rec("a\n"))
	assert.Equal(t, Record{}, evicted)

	evicted = r.Append(rec("bb\n"))
	assert.Equal(t, Record{}, evicted)

	assert.Equal(t, 2, r.Occupancy())
	assert.Equal(t, len("a\n")+len("bb\n"), r.Len())
}

func Test_RingLogEvictionAfterCapacityPlusOne(t *testing.T) {
	r := New(10)

	var records []Record
	for i := 0; i < 11; i++ {
		rr := rec(string(rune('0'+i)) + "\n")
		records = append(records, rr)
		r.Append(rr)
	}

	assert.Equal(t, 10, r.Occupancy())

	for i := 0; i < 10; i++ {
		got, _, ok := r.GetByIndex(i)
		require.True(t, ok)
		if diff := cmp.Diff(records[i+1].bytes, got.bytes); diff != "" {
			t.Errorf("record %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func Test_RingLogAppendReturnsEvictedBuffer(t *testing.T) {
	r := New(2)

	r.Append(rec("first\n"))
	r.Append(rec("second\n"))

	evicted := r.Append(rec("third\n"))
	assert.Equal(t, "first\n", string(evicted.Bytes()))

	assert.Equal(t, 2, r.Occupancy())
	first, _, ok := r.GetByIndex(0)
	require.True(t, ok)
	assert.Equal(t, "second\n", string(first.Bytes()))
}

func Test_RingLogFindByOffset(t *testing.T) {
	r := New(4)
	r.Append(rec("AB\n"))
	r.Append(rec("CDE\n"))

	for p, want := range map[int]byte{0: 'A', 1: 'B', 2: '\n', 3: 'C', 4: 'D', 5: 'E', 6: '\n'} {
		record, within, ok := r.FindByOffset(p)
		require.Truef(t, ok, "offset %d", p)
		assert.Equalf(t, want, record.Bytes()[within], "offset %d", p)
	}
}

func Test_RingLogFindByOffsetAtOrPastEnd(t *testing.T) {
	r := New(4)
	r.Append(rec("AB\n"))

	_, _, ok := r.FindByOffset(r.Len())
	assert.False(t, ok)

	_, _, ok = r.FindByOffset(r.Len() + 5)
	assert.False(t, ok)
}

func Test_RingLogGetByIndexBounds(t *testing.T) {
	r := New(4)
	r.Append(rec("A\n"))
	r.Append(rec("B\n"))

	_, _, ok := r.GetByIndex(-1)
	assert.False(t, ok)

	_, _, ok = r.GetByIndex(2)
	assert.False(t, ok)

	record, prefix, ok := r.GetByIndex(1)
	require.True(t, ok)
	assert.Equal(t, "B\n", string(record.Bytes()))
	assert.Equal(t, len("A\n"), prefix)
}

func Test_RingLogInitClearsState(t *testing.T) {
	r := New(2)
	r.Append(rec("A\n"))
	r.Append(rec("B\n"))
	r.Append(rec("C\n"))

	r.Init()

	assert.Equal(t, 0, r.Occupancy())
	assert.Equal(t, 0, r.Len())
	_, _, ok := r.FindByOffset(0)
	assert.False(t, ok)
}
