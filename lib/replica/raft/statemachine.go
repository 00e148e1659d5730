package raft

import (
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/replica"
	"github.com/cockroachdb/errors"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// Result values of an applied entry. The proposer is answered by the replica
// itself, these only tell dragonboat what happened.
const (
	resultApplied uint64 = iota
	resultDropped
)

// rangeStateMachine drives a replica.StateMachine as a dragonboat on disk
// state machine. The replica persists its applied index on every entry, so
// Open reports it and Sync has nothing left to do.
type rangeStateMachine struct {
	rangeID uint64
	target  replica.StateMachine
}

var _ sm.IOnDiskStateMachine = (*rangeStateMachine)(nil)

func newStateMachine(rangeID uint64, target replica.StateMachine) *rangeStateMachine {
	return &rangeStateMachine{rangeID: rangeID, target: target}
}

// Open returns the persisted applied index, dragonboat replays the log from there
func (fsm *rangeStateMachine) Open(_ <-chan struct{}) (uint64, error) {
	index := fsm.target.AppliedIndex()
	Logger.Infof("range[%d] state machine opened at index %d", fsm.rangeID, index)
	return index, nil
}

// Update applies committed entries in log order. An I/O failure is returned
// to dragonboat, which stops the replica: the failed entry was not recorded
// as applied and is replayed after a restart.
func (fsm *rangeStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	start := time.Now()

	for idx, e := range entries {
		err := fsm.target.Apply(e.Cmd, e.Index)
		switch {
		case err == nil:
			entries[idx].Result = sm.Result{Value: resultApplied}
		case rangeerr.Is(err, rangeerr.CodeInvalid):
			// the range is shutting down, its group is about to stop
			entries[idx].Result = sm.Result{Value: resultDropped, Data: []byte(err.Error())}
		default:
			return entries, errors.Wrapf(err, "range[%d] apply index %d", fsm.rangeID, e.Index)
		}
	}

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		Logger.Infof("range[%d] batch of %d entries took %.2fms", fsm.rangeID, len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// Lookup is not used, reads go to the replica directly after VerifyLeader
func (fsm *rangeStateMachine) Lookup(query interface{}) (interface{}, error) {
	return nil, rangeerr.Unsupported(fmt.Sprintf("lookup of %T", query))
}

func (fsm *rangeStateMachine) Sync() error {
	return nil
}

// PrepareSnapshot runs in the update goroutine, so the iterator and the
// applied index match
func (fsm *rangeStateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.target.GetSnapshot()
}

func (fsm *rangeStateMachine) SaveSnapshot(ctx interface{}, w io.Writer, done <-chan struct{}) error {
	snap, ok := ctx.(*replica.Snapshot)
	if !ok {
		return errors.Newf("invalid snapshot context type: %T", ctx)
	}
	defer func() {
		if err := snap.Iter.Close(); err != nil {
			Logger.Warningf("range[%d] close snapshot iterator: %v", fsm.rangeID, err)
		}
	}()
	if err := writeSnapshot(snap, w, done); err != nil {
		return err
	}
	Logger.Infof("range[%d] snapshot saved at index %d", fsm.rangeID, snap.AppliedIndex)
	return nil
}

func (fsm *rangeStateMachine) RecoverFromSnapshot(r io.Reader, done <-chan struct{}) error {
	return readSnapshot(fsm.target, r, done)
}

// Close does nothing, the engine belongs to the node
func (fsm *rangeStateMachine) Close() error {
	return nil
}
