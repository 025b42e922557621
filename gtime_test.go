package gortk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGTimeCanonicalizeFoldsOverflow(t *testing.T) {
	g := GTime{Week: 100, Sec: secondsPerWeek + 30}
	g.Canonicalize()
	assert.Equal(t, 101, g.Week)
	assert.InDelta(t, 30, g.Sec, 1e-9)
}

func TestGTimeCanonicalizeFoldsUnderflow(t *testing.T) {
	g := GTime{Week: 100, Sec: -30}
	g.Canonicalize()
	assert.Equal(t, 99, g.Week)
	assert.InDelta(t, secondsPerWeek-30, g.Sec, 1e-9)
}

func TestGTimeDiffAcrossWeekBoundary(t *testing.T) {
	a := GTime{Week: 101, Sec: 10}
	b := GTime{Week: 100, Sec: secondsPerWeek - 5}
	assert.InDelta(t, 15, a.Diff(b), 1e-9)
}

func TestGTimeAddIsInverseOfDiff(t *testing.T) {
	g := GTime{Week: 200, Sec: 300}
	g2 := g.Add(-400)
	assert.InDelta(t, -400, g2.Diff(g), 1e-9)
	assert.True(t, g2.Sec >= 0 && g2.Sec < secondsPerWeek)
}
