package node

import (
	"sort"

	"github.com/ValentinKolb/dRange/lib/replica"
	"github.com/puzpuzpuz/xsync/v3"
)

// ReportCollector keeps the latest heartbeat of every range this node
// leads. It stands in for the control plane: the range status command reads
// the reports from here.
type ReportCollector struct {
	reports *xsync.MapOf[uint64, replica.HeartbeatReport]
}

var _ replica.HeartbeatSender = (*ReportCollector)(nil)

func NewReportCollector() *ReportCollector {
	return &ReportCollector{reports: xsync.NewMapOf[uint64, replica.HeartbeatReport]()}
}

// AsyncHeartbeat implements replica.HeartbeatSender
func (c *ReportCollector) AsyncHeartbeat(report replica.HeartbeatReport) {
	if report.Range == nil {
		return
	}
	c.reports.Store(report.Range.ID, report)
}

func (c *ReportCollector) Latest(rangeID uint64) (replica.HeartbeatReport, bool) {
	return c.reports.Load(rangeID)
}

// All returns the latest report of every range, ordered by range id
func (c *ReportCollector) All() []replica.HeartbeatReport {
	var out []replica.HeartbeatReport
	c.reports.Range(func(_ uint64, r replica.HeartbeatReport) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Range.ID < out[j].Range.ID })
	return out
}

func (c *ReportCollector) Forget(rangeID uint64) {
	c.reports.Delete(rangeID)
}
