package network

import (
	"net/http"
	"sync/atomic"
	"time"
)

type countingDoer struct {
	calls int32
	next  Doer
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&d.calls, 1)
	return d.next.Do(req)
}

func (d *countingDoer) Calls() int {
	return int(atomic.LoadInt32(&d.calls))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
