package isobus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventDispatchOrder(t *testing.T) {
	var e Event[int]
	var order []int
	e.Subscribe(func(v int) { order = append(order, v*10+1) })
	e.Subscribe(func(v int) { order = append(order, v*10+2) })

	e.Emit(1)
	assert.Equal(t, []int{11, 12}, order)
}

func TestEventUnsubscribe(t *testing.T) {
	var e Event[int]
	calls := 0
	tok := e.Subscribe(func(int) { calls++ })
	e.Emit(1)
	assert.Equal(t, 1, calls)

	e.Unsubscribe(tok)
	e.Emit(1)
	assert.Equal(t, 1, calls)
}

func TestEventUnsubscribeDuringDispatchLeavesOthersIntact(t *testing.T) {
	var e Event[int]
	var secondCalled, thirdCalled int

	var firstTok Token
	firstTok = e.Subscribe(func(int) {
		e.Unsubscribe(firstTok) // unsubscribe self mid-dispatch
	})
	e.Subscribe(func(int) { secondCalled++ })
	e.Subscribe(func(int) { thirdCalled++ })

	e.Emit(1)
	assert.Equal(t, 1, secondCalled)
	assert.Equal(t, 1, thirdCalled)
	assert.Equal(t, 2, e.Len())

	e.Emit(1)
	assert.Equal(t, 2, secondCalled)
	assert.Equal(t, 2, thirdCalled)
}

func TestEventUnsubscribeOfLaterListenerDuringDispatch(t *testing.T) {
	var e Event[int]
	var secondCalled int

	var secondTok Token
	e.Subscribe(func(int) {
		e.Unsubscribe(secondTok) // first listener removes a later one
	})
	secondTok = e.Subscribe(func(int) { secondCalled++ })

	e.Emit(1)
	// removal is requested before the second listener's turn in this pass,
	// so it must not fire in this Emit either
	assert.Equal(t, 0, secondCalled)

	e.Emit(1)
	assert.Equal(t, 0, secondCalled)
	assert.Equal(t, 1, e.Len())
}
