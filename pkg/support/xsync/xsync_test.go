// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go func() {
		time.Sleep(time.Millisecond)
		l.Trigger()
	}()
	select {
	case <-l.WaitChan():
	case <-time.After(5 * time.Second):
		t.Fatal("latch never triggered")
	}
	assert.True(t, l.Test())
	l.Trigger() // Triggering twice is a no-op.
	l.Wait()
}

func TestSendNoBlock(t *testing.T) {
	c := make(chan int, 1)
	assert.Equal(t, 0, SendNoBlock(c, 1))
	assert.Equal(t, 1, SendNoBlock(c, 2))
	assert.Equal(t, 1, <-c)
	close(c)
	assert.Equal(t, 2, SendNoBlock(c, 3))
}
