// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.WaitContext(ctx), context.DeadlineExceeded)

	go func() { l.Trigger() }()
	l.Wait()
	assert.True(t, l.Test())
	assert.False(t, l.Trigger())
	require.NoError(t, l.WaitContext(context.Background()))
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	_, triggered := l.Value()
	assert.False(t, triggered)
	go func() { l.Trigger(7) }()
	assert.Equal(t, 7, l.Wait())
	assert.False(t, l.Trigger(11))
	v, triggered := l.Value()
	assert.True(t, triggered)
	assert.Equal(t, 7, v)
	v, err := l.WaitContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	<-l.WaitChan()
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Zero count returns immediately.

	var finished atomic.Int32
	wg.Add(2)
	for range 2 {
		go func() {
			time.Sleep(time.Millisecond)
			finished.Add(1)
			wg.Done()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), finished.Load())
	assert.Equal(t, 0, wg.Count())
	require.Panics(t, func() { wg.Done() })
}
