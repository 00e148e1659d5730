package node

import (
	"time"

	"github.com/ValentinKolb/dRange/lib/util"
)

type timerRequest struct {
	rangeID uint64
	at      time.Time
}

// HeartbeatQueue calls fire for a range once its scheduled time has come.
// Producers push through a lock free queue, a single goroutine owns the
// deadline heap. A range is scheduled at most once, an earlier time wins.
type HeartbeatQueue struct {
	in   *util.LockFreeMPSC[timerRequest]
	fire func(rangeID uint64)
	done chan struct{}
}

// NewHeartbeatQueue starts the queue. fire runs on its own goroutine.
func NewHeartbeatQueue(fire func(rangeID uint64)) *HeartbeatQueue {
	q := &HeartbeatQueue{
		in:   util.NewLockFreeMPSC[timerRequest](),
		fire: fire,
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push implements replica.TimerQueue
func (q *HeartbeatQueue) Push(rangeID uint64, at time.Time) {
	q.in.Push(&timerRequest{rangeID: rangeID, at: at})
}

// Close stops the queue, scheduled heartbeats are dropped
func (q *HeartbeatQueue) Close() {
	q.in.Close()
	<-q.done
}

func (q *HeartbeatQueue) run() {
	defer close(q.done)
	deadlines := util.NewMapHeap[uint64]()

	for {
		var (
			timer *time.Timer
			wake  <-chan time.Time
		)
		if next, ok := deadlines.Peek(); ok {
			timer = time.NewTimer(time.Until(time.Unix(0, next.Priority)))
			wake = timer.C
		}

		select {
		case req, ok := <-q.in.Recv():
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return
			}
			at := req.at.UnixNano()
			if cur, exists := deadlines.GetByKey(req.rangeID); exists && cur.Priority <= at {
				continue
			}
			deadlines.AddItem(req.rangeID, at)

		case <-wake:
			now := time.Now().UnixNano()
			for {
				next, ok := deadlines.Peek()
				if !ok || next.Priority > now {
					break
				}
				deadlines.PopMin()
				go q.fire(next.Key)
			}
		}
	}
}
