package gortk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleEphe(sat SatType, toe GTime, fitHours float64) *Ephe {
	return &Ephe{
		Sat:   sat,
		Toc:   toe,
		Toe:   toe,
		Tot:   toe,
		Iode:  1,
		Iodc:  1,
		SqrtA: 5153.7,
		Ecc:   0.01,
		Fit:   fitHours,
	}
}

func TestEphemerisStoreSelectsValidRecord(t *testing.T) {
	store := NewEphemerisStore()
	toe := GTime{Week: 2200, Sec: 100000}
	eph := sampleEphe("G01", toe, 4)
	store.RegisterEphemeris("G01", eph, 1)

	changed := store.SelectEphemeris("G01", toe)
	assert.True(t, changed)

	cur, ok := store.Current("G01")
	assert.True(t, ok)
	assert.Equal(t, eph.Toe, cur.Toe)
}

func TestEphemerisStoreRejectsOutOfFitInterval(t *testing.T) {
	store := NewEphemerisStore()
	toe := GTime{Week: 2200, Sec: 100000}
	eph := sampleEphe("G01", toe, 4)
	store.RegisterEphemeris("G01", eph, 1)

	far := toe.Add(3 * 3600)
	changed := store.SelectEphemeris("G01", far)
	assert.False(t, changed)
	_, ok := store.Current("G01")
	assert.False(t, ok)
}

func TestEphemerisStoreConservativeKeepsValidSelection(t *testing.T) {
	store := NewEphemerisStore()
	toe := GTime{Week: 2200, Sec: 100000}
	older := sampleEphe("G01", toe, 4)
	store.RegisterEphemeris("G01", older, 1)
	store.SelectEphemeris("G01", toe)

	newer := sampleEphe("G01", toe.Add(1800), 4)
	store.RegisterEphemeris("G01", newer, 1)

	changed := store.SelectEphemeris("G01", toe.Add(60))
	assert.False(t, changed, "a still-fresh selection should not be displaced just because something newer arrived")
}

func TestEphemerisStoreRepeatBroadcastBumpsPriorityNotCount(t *testing.T) {
	store := NewEphemerisStore()
	toe := GTime{Week: 2200, Sec: 100000}
	eph := sampleEphe("G01", toe, 4)
	store.RegisterEphemeris("G01", eph, 1)
	store.RegisterEphemeris("G01", eph, 1)

	h := store.historyFor("G01")
	assert.Len(t, h.items, 2, "equivalent repeat broadcasts should merge into one item plus the placeholder")
	assert.Equal(t, 2, h.items[1].priority)
}

func TestEphemerisStoreEachNoRedundantCollapsesRepeats(t *testing.T) {
	store := NewEphemerisStore()
	toe := GTime{Week: 2200, Sec: 100000}
	store.RegisterEphemeris("G01", sampleEphe("G01", toe, 4), 1)
	store.RegisterEphemeris("G01", sampleEphe("G01", toe.Add(2), 4), 1) // same 10s bucket

	count := 0
	store.Each("G01", EachNoRedundant, func(e *Ephe) { count++ })
	assert.Equal(t, 1, count)
}

func TestEphemerisStoreMergeKeepsRecordsFromDifferentBuckets(t *testing.T) {
	a := NewEphemerisStore()
	b := NewEphemerisStore()
	toe := GTime{Week: 2200, Sec: 100000}
	lowPri := sampleEphe("G01", toe, 4)
	a.RegisterEphemeris("G01", lowPri, 1)

	highPri := sampleEphe("G01", toe.Add(20), 4) // different bucket, not equivalent
	b.RegisterEphemeris("G01", highPri, 5)

	a.Merge(b, true)
	h := a.historyFor("G01")
	assert.Len(t, h.items, 3)
}
