// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"sync"
	"sync/atomic"
)

// throttle runs funcs in goroutines, at most Max at a time, and
// remembers the first error any of them returns.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *throttle) Go(f func() error) {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
	go func() {
		defer func() {
			t.wg.Done()
			<-t.ch
		}()
		if err := f(); err != nil {
			t.errorOnce.Do(func() { t.err.Store(err) })
		}
	}()
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	err, _ := t.err.Load().(error)
	return err
}
