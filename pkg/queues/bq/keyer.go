package bq

import (
	"sync/atomic"
	"time"
)

// keyer hands out strictly increasing message IDs derived from the wall clock,
// so pending keys sort in enqueue order even across restarts.
type keyer struct {
	curUnix int64
}

func (k *keyer) Next() uint64 {
	for {
		last := atomic.LoadInt64(&k.curUnix)

		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}

		if atomic.CompareAndSwapInt64(&k.curUnix, last, next) {
			return uint64(next)
		}
	}
}
