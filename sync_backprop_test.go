package gortk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestBackPropagateSynchronizerRecordPredictAccumulatesElapsedSinceLastCorrect(t *testing.T) {
	f := newTestFilter()
	sync := NewBackPropagateSynchronizer(0)

	for i := 0; i < 3; i++ {
		pre := CloneState(f.State)
		Phi, GQGt := f.Predict(1.0)
		sync.RecordPredict(pre, Phi, GQGt, 1.0)
	}
	// Cumulative, not per-step: each snapshot's elapsedSinceLastCorrect is its
	// own dt plus the previous newest snapshot's value at RecordPredict time,
	// mirroring before_update_INS -- it is never revisited retroactively.
	assert.Equal(t, 1.0, sync.snapshots[0].elapsedSinceLastCorrect)
	assert.Equal(t, 2.0, sync.snapshots[1].elapsedSinceLastCorrect)
	assert.Equal(t, 3.0, sync.snapshots[2].elapsedSinceLastCorrect)
}

func TestBackPropagateSynchronizerCorrectsNewestSnapshotOnly(t *testing.T) {
	f := newTestFilter()
	sync := NewBackPropagateSynchronizer(0)

	pre1 := CloneState(f.State)
	Phi1, GQGt1 := f.Predict(1.0)
	sync.RecordPredict(pre1, Phi1, GQGt1, 1.0)

	pre2 := CloneState(f.State)
	Phi2, GQGt2 := f.Predict(1.0)
	sync.RecordPredict(pre2, Phi2, GQGt2, 1.0)

	n := f.State.Dim()
	H := mat.NewDense(1, n, nil)
	H.Set(0, 0, 1)
	R := mat.NewDense(1, 1, []float64{1})
	z := mat.NewVecDense(1, []float64{1})

	corrected, ok := sync.Correct(H, R, z)
	assert.True(t, ok)
	assert.Same(t, pre2, corrected, "Correct must pop/correct/reinstate the newest snapshot, not the oldest")
	assert.Len(t, sync.snapshots, 2, "the depth walk at Depth=0 does not erase on its first pass over fresh history")
	assert.Same(t, pre1, sync.snapshots[0].state)
	assert.Same(t, corrected, sync.snapshots[1].state, "the corrected snapshot is reinstated as newest")
	assert.Equal(t, 0.0, sync.snapshots[1].elapsedSinceLastCorrect, "the newest snapshot's own elapsed time is what gets subtracted from itself, always landing on zero")
}

func TestBackPropagateSynchronizerRepeatedCorrectLeavesOldestUntouched(t *testing.T) {
	f := newTestFilter()
	sync := NewBackPropagateSynchronizer(0)

	pre1 := CloneState(f.State)
	Phi1, GQGt1 := f.Predict(1.0)
	sync.RecordPredict(pre1, Phi1, GQGt1, 1.0)

	pre2 := CloneState(f.State)
	Phi2, GQGt2 := f.Predict(1.0)
	sync.RecordPredict(pre2, Phi2, GQGt2, 1.0)

	n := f.State.Dim()
	H := mat.NewDense(1, n, nil)
	H.Set(0, 0, 1)
	R := mat.NewDense(1, 1, []float64{1})
	z := mat.NewVecDense(1, []float64{1})

	_, ok := sync.Correct(H, R, z)
	assert.True(t, ok)
	// Calling Correct again immediately, with no intervening predict, finds
	// the newest snapshot's own elapsedSinceLastCorrect already at zero, so
	// the depth walk's mod_elapsedT>0 guard skips entirely -- nothing is
	// touched besides the pop/correct/reinstate of the (still-)newest entry.
	_, ok = sync.Correct(H, R, z)
	assert.True(t, ok)

	assert.Len(t, sync.snapshots, 2)
	assert.Same(t, pre1, sync.snapshots[0].state, "a second correction must not disturb the untouched oldest snapshot")
}

func TestBackPropagateSynchronizerErasesStaleSnapshotsAfterTwoCorrectionCycles(t *testing.T) {
	f := newTestFilter()
	sync := NewBackPropagateSynchronizer(0)

	n := f.State.Dim()
	H := mat.NewDense(1, n, nil)
	H.Set(0, 0, 1)
	R := mat.NewDense(1, 1, []float64{1})
	z := mat.NewVecDense(1, []float64{1})

	for i := 0; i < 5; i++ {
		pre := CloneState(f.State)
		Phi, GQGt := f.Predict(1.0)
		sync.RecordPredict(pre, Phi, GQGt, 1.0)
	}
	_, ok := sync.Correct(H, R, z)
	assert.True(t, ok)
	assert.Len(t, sync.snapshots, 5, "the first correction cycle only rebases elapsedSinceLastCorrect, it does not erase yet")

	pre := CloneState(f.State)
	Phi, GQGt := f.Predict(1.0)
	sync.RecordPredict(pre, Phi, GQGt, 1.0)

	_, ok = sync.Correct(H, R, z)
	assert.True(t, ok)
	// By the second cycle enough rebased snapshots have gone negative
	// (strictly below Depth=0) that the walk's erase branch fires, trimming
	// everything at or behind the first such snapshot.
	assert.Len(t, sync.snapshots, 2, "stale snapshots must be erased once their rebased elapsed time falls below depth")
}

func TestBackPropagateSynchronizerLargerDepthErasesSoonerWithinOneCycle(t *testing.T) {
	f := newTestFilter()
	sync := NewBackPropagateSynchronizer(1.5)

	for i := 0; i < 3; i++ {
		pre := CloneState(f.State)
		Phi, GQGt := f.Predict(1.0)
		sync.RecordPredict(pre, Phi, GQGt, 1.0)
	}

	n := f.State.Dim()
	H := mat.NewDense(1, n, nil)
	H.Set(0, 0, 1)
	R := mat.NewDense(1, 1, []float64{1})
	z := mat.NewVecDense(1, []float64{1})

	_, ok := sync.Correct(H, R, z)
	assert.True(t, ok)
	assert.Len(t, sync.snapshots, 2, "a larger depth threshold can trigger erasure within a single correction cycle")
}

func TestBackPropagateSynchronizerNoHistoryReturnsFalse(t *testing.T) {
	sync := NewBackPropagateSynchronizer(1)
	_, ok := sync.Correct(mat.NewDense(1, 1, nil), mat.NewDense(1, 1, nil), mat.NewVecDense(1, nil))
	assert.False(t, ok)
}
