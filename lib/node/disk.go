package node

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DiskStatus reports the usage of the filesystem holding the data
// directory. A sample is reused for refresh before statfs is called again.
type DiskStatus struct {
	path    string
	refresh time.Duration

	used    atomic.Uint64
	sampled atomic.Int64
}

func NewDiskStatus(path string, refresh time.Duration) *DiskStatus {
	if path == "" {
		path = "."
	}
	return &DiskStatus{path: path, refresh: refresh}
}

// FilesystemUsedPercent implements replica.StatusProvider. A failed statfs
// keeps the last sample.
func (d *DiskStatus) FilesystemUsedPercent() uint64 {
	now := time.Now().UnixNano()
	last := d.sampled.Load()
	if now-last < int64(d.refresh) || !d.sampled.CompareAndSwap(last, now) {
		return d.used.Load()
	}
	used, err := usedPercent(d.path)
	if err != nil {
		Logger.Warningf("statfs %s: %v", d.path, err)
		return d.used.Load()
	}
	d.used.Store(used)
	return used
}

func usedPercent(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	avail := st.Bavail * uint64(st.Bsize)
	return (total - avail) * 100 / total, nil
}
