package replica

import (
	"bytes"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
)

// applySplit narrows this range to [start, SplitKey) and hands
// [SplitKey, end) to the split handler, which creates the new range.
// Rejections (stale epoch, bad split key) are absorbed like any other
// content level failure.
func (r *Replica) applySplit(cmd *Command, op *AdminSplit) error {
	cur := r.Meta()
	if cmd.Epoch.Version != cur.Epoch.Version {
		return rangeerr.StaleEpoch(cmd.Epoch.Version, cur, nil)
	}
	if !cur.ContainsKey(op.SplitKey) || bytes.Equal(op.SplitKey, cur.StartKey) {
		return rangeerr.KeyNotInRange(r.id, op.SplitKey, cur.StartKey, cur.EndKey)
	}
	if op.NewRangeID == 0 || op.NewRangeID == r.id {
		return rangeerr.Newf(rangeerr.CodeInvalidArgument, "invalid split range id %d", op.NewRangeID)
	}

	left := cur.Clone()
	left.EndKey = append([]byte{}, op.SplitKey...)
	left.Epoch.Version++

	right := &meta.Range{
		ID:       op.NewRangeID,
		TableID:  cur.TableID,
		StartKey: append([]byte{}, op.SplitKey...),
		EndKey:   cur.Clone().EndKey,
		Epoch:    left.Epoch,
		Peers:    op.NewPeers,
	}
	if len(right.Peers) == 0 {
		right.Peers = cur.Clone().Peers
	}

	if r.splitter != nil {
		if err := r.splitter.OnSplit(r, left, right); err != nil {
			return rangeerr.IOError("split handler", err)
		}
	}
	if err := r.metas.SaveRange(left); err != nil {
		return rangeerr.IOError("save range", err)
	}
	r.meta.Store(left)
	r.splitRangeID.Store(op.NewRangeID)

	var end []byte
	if len(cur.EndKey) > 0 {
		end = cur.EndKey
	}
	if err := r.store.DeleteRange(op.SplitKey, end); err != nil {
		return rangeerr.IOError("trim split data", err)
	}

	Logger.Infof("range[%d] split at %x, new range %d, epoch %s", r.id, op.SplitKey, op.NewRangeID, left.Epoch)
	return nil
}
