package lx

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJournalRevert(t *testing.T) {
	j := &journal{}
	x := big.NewInt(1)
	m := map[string]int{"a": 1}

	outer := j.mark()
	set(j, &x, big.NewInt(2))
	setKey(j, m, "b", 2)
	j.emit(Event{Type: EventMarginDeposited})

	inner := j.mark()
	deleteKey(j, m, "a")
	setKey(j, m, "b", 3)
	j.emit(Event{Type: EventMarginWithdrawn})
	j.revertTo(inner)

	assert.Equal(t, map[string]int{"a": 1, "b": 2}, m)
	assert.Len(t, j.events, 1)

	j.revertTo(outer)
	assert.Equal(t, int64(1), x.Int64())
	assert.Equal(t, map[string]int{"a": 1}, m)
	assert.Empty(t, j.events)
	assert.Empty(t, j.undo)
}

func TestJournalCommit(t *testing.T) {
	j := &journal{}
	n := 0
	set(j, &n, 5)
	j.emit(Event{Type: EventFundingUpdated})

	events := j.commit()
	assert.Len(t, events, 1)
	assert.Empty(t, j.undo)

	// nothing left to undo
	j.revertTo(journalMark{})
	assert.Equal(t, 5, n)
}

func TestReentrancyGuard(t *testing.T) {
	var g reentrancyGuard
	release, err := g.enter()
	assert.NoError(t, err)

	_, err = g.enter()
	assert.ErrorIs(t, err, ErrReentrantCall)

	release()
	release, err = g.enter()
	assert.NoError(t, err)
	release()
}
