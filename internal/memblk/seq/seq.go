// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package seq provides synchronized request sequence numbers.
package seq

import (
	"sync"
)

// Counter hands out increasing sequence numbers. The zero value starts at 0
// and is ready to use.
type Counter struct {
	mutex sync.Mutex
	value int64
}

// Returns the value which will be handed out by the next call to Next().
func (c *Counter) Current() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.value
}

// Returns the current value and increments the counter.
func (c *Counter) Next() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tmp := c.value
	c.value++

	return tmp
}
