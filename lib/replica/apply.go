package replica

import (
	"math"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
)

// Result is the answer to a proposed command
type Result struct {
	Kind Kind
	// Err is nil or a *rangeerr.Error
	Err error
	// Version is the version a WatchPut stored
	Version int64
	// Affected counts the keys a delete or insert touched
	Affected uint64
}

// Responder receives the Result of a proposal exactly once, from the apply
// context or from the expiry sweep. It must not block.
type Responder func(Result)

type request struct {
	kind    Kind
	respond Responder
}

// --------------------------------------------------------------------------
// Propose
// --------------------------------------------------------------------------

// Propose validates op on the leader and submits it to raft. On success the
// responder is called once the command was applied, or with a Timeout once
// the deadline passed. On error the responder is never called.
func (r *Replica) Propose(op Op, epoch meta.Epoch, timeout time.Duration, respond Responder) error {
	if err := r.checkRequest(epoch, op.Keys()); err != nil {
		return err
	}

	cmd := &Command{
		ID:       r.nextID.Add(1),
		Proposer: r.cfg.NodeID,
		Epoch:    epoch,
		Op:       op,
	}
	if err := r.pending.Add(cmd.ID, &request{kind: op.Kind(), respond: respond}, time.Now().Add(timeout)); err != nil {
		return err
	}

	if err := r.Submit(cmd); err != nil {
		if _, ok := r.pending.Take(cmd.ID); !ok {
			// the sweep answered it already
			return nil
		}
		return err
	}
	return nil
}

// Submit hands a command to raft. Only the leader submits, a follower
// fails without contacting raft.
func (r *Replica) Submit(cmd *Command) error {
	if !r.leader.Load() {
		return r.notLeader(r.leaderNode.Load())
	}
	g := r.currentGroup()
	if g == nil {
		return rangeerr.Invalid(r.id)
	}
	if err := g.Submit(cmd.Encode()); err != nil {
		if rangeerr.Is(err, rangeerr.CodeNotLeader) || rangeerr.Is(err, rangeerr.CodeNoLeader) {
			return err
		}
		Logger.Warningf("range[%d] submit %s failed: %v", r.id, cmd.Op.Kind(), err)
		return rangeerr.RaftFail(err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Apply
// --------------------------------------------------------------------------

// applyContext collects what an op does besides writing to storage.
// Notifications run after the applied index was persisted.
type applyContext struct {
	r      *Replica
	cmd    *Command
	index  uint64
	notify []func()
}

func (ctx *applyContext) after(fn func()) {
	ctx.notify = append(ctx.notify, fn)
}

// Apply executes one committed command. Raft calls it for one replica at a
// time in log order.
//
// Only I/O failures are returned: a content level rejection (lock held, key
// exists, stale epoch, ...) goes to the proposer and the index still
// advances. If an I/O failure is returned the index was not persisted.
func (r *Replica) Apply(data []byte, index uint64) error {
	start := time.Now()
	cmd, decodeErr := DecodeCommand(data)

	if !r.valid.Load() {
		Logger.Errorf("range[%d] apply index %d on an invalid replica", r.id, index)
		if cmd.Proposer == r.cfg.NodeID {
			r.pending.Remove(cmd.ID)
		}
		return rangeerr.Invalid(r.id)
	}

	ctx := &applyContext{r: r, cmd: &cmd, index: index}
	var (
		res Result
		err error
	)
	switch {
	case decodeErr != nil:
		Logger.Errorf("range[%d] corrupt command at index %d: %v", r.id, index, decodeErr)
		if rangeerr.Is(decodeErr, rangeerr.CodeUnsupported) {
			err = decodeErr
		} else {
			err = rangeerr.Corruption("decode command", decodeErr)
		}
	case cmd.Op.Kind() == KindAdminSplit:
		err = r.applySplit(&cmd, cmd.Op.(*AdminSplit))
	default:
		if err = r.checkWritable(); err == nil {
			res, err = cmd.Op.apply(ctx)
		}
	}

	if err != nil {
		if rangeerr.IsIOClass(err) {
			Logger.Errorf("range[%d] apply index %d failed: %v", r.id, index, err)
			r.complete(&cmd, Result{Err: err})
			return err
		}
		Logger.Debugf("range[%d] command %d at index %d rejected: %v", r.id, cmd.ID, index, err)
		res = Result{Err: err}
	}

	if err := r.saveAppliedIndex(index); err != nil {
		r.complete(&cmd, Result{Err: err})
		return err
	}

	for _, fn := range ctx.notify {
		fn()
	}
	r.complete(&cmd, res)

	if d := time.Since(start); d > r.cfg.SlowApplyThreshold {
		Logger.Warningf("range[%d] slow apply of index %d took %s", r.id, index, d)
	}
	return nil
}

func (r *Replica) checkWritable() error {
	if used := r.status.FilesystemUsedPercent(); used > r.cfg.StopWritePercent {
		Logger.Errorf("range[%d] filesystem usage %d%% exceeds %d%%, rejecting writes", r.id, used, r.cfg.StopWritePercent)
		return rangeerr.ResourceExhausted(used)
	}
	return nil
}

func (r *Replica) saveAppliedIndex(index uint64) error {
	if err := r.metas.SaveAppliedIndex(r.id, index); err != nil {
		Logger.Errorf("range[%d] save applied index %d failed: %v", r.id, index, err)
		return rangeerr.IOError("save applied index", err)
	}
	r.applied.Store(index)
	return nil
}

// complete answers the request of cmd if this node proposed it
func (r *Replica) complete(cmd *Command, res Result) {
	if cmd.Proposer != r.cfg.NodeID {
		return
	}
	req, ok := r.pending.Take(cmd.ID)
	if !ok {
		return
	}
	res.Kind = req.kind
	req.respond(res)
}

// --------------------------------------------------------------------------
// Expiry
// --------------------------------------------------------------------------

// SweepExpired answers every pending request whose deadline passed with a
// Timeout. Once the replica is invalid every pending request is answered.
// It returns the number of answered requests.
func (r *Replica) SweepExpired() int {
	now := time.Now()
	if !r.valid.Load() {
		now = time.Unix(0, math.MaxInt64)
	}

	n := 0
	for {
		id, ok := r.pending.ScanOneExpired(now)
		if !ok {
			break
		}
		req, ok := r.pending.Take(id)
		if !ok {
			continue
		}
		if r.deliverTimeout(id, req) {
			n++
		}
	}
	if n > 0 {
		r.metrics.AddTimeouts(n)
	}
	return n
}

func (r *Replica) deliverTimeout(id uint64, req *request) bool {
	if !req.kind.clientVisible() {
		Logger.Warningf("range[%d] request %d of kind %s expired, dropped without response", r.id, id, req.kind)
		return false
	}
	req.respond(Result{Kind: req.kind, Err: rangeerr.Timeout()})
	return true
}
