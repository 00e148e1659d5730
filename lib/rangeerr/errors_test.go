package rangeerr

import (
	"fmt"
	"testing"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/cockroachdb/errors"
)

// TestCodeOf tests code extraction through wrapping
func TestCodeOf(t *testing.T) {
	base := errors.New("disk gone")

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeOK},
		{"plain error", base, CodeInternal},
		{"direct", Timeout(), CodeTimeout},
		{"wrapped with cockroach errors", errors.Wrap(NoLeader(1), "propose"), CodeNoLeader},
		{"wrapped with fmt", fmt.Errorf("apply: %w", IOError("save", base)), CodeIOError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestIsIOClass tests which codes stop raft progress
func TestIsIOClass(t *testing.T) {
	for c := CodeOK; c <= CodeInternal; c++ {
		want := c == CodeIOError || c == CodeResourceExhausted
		if got := IsIOClass(New(c, "x")); got != want {
			t.Errorf("IsIOClass(%v) = %v, want %v", c, got, want)
		}
	}
	if IsIOClass(nil) {
		t.Error("IsIOClass(nil) must be false")
	}
}

// TestCauseIsKept tests that the wrapped error stays reachable
func TestCauseIsKept(t *testing.T) {
	cause := errors.New("write failed")
	err := IOError("save applied index", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if got := err.Error(); got != "io error: save applied index: write failed" {
		t.Errorf("Error() = %q", got)
	}
}

// TestStaleEpoch tests the message and the attached metadata
func TestStaleEpoch(t *testing.T) {
	cur := &meta.Range{ID: 4, Epoch: meta.Epoch{Version: 3, ConfVer: 1}}
	sib := &meta.Range{ID: 5, Epoch: meta.Epoch{Version: 3}}

	err := StaleEpoch(2, cur, sib)
	if err.Error() != "stale epoch, req version:2 cur version:3" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if err.Current == cur || err.Current.ID != 4 {
		t.Error("the current range should be attached as a copy")
	}
	if err.Sibling == nil || err.Sibling.ID != 5 {
		t.Error("the sibling range should be attached")
	}

	if StaleEpoch(2, cur, nil).Sibling != nil {
		t.Error("no sibling expected")
	}
}

// TestNotLeader tests the leader and epoch payload
func TestNotLeader(t *testing.T) {
	err := NotLeader(9, meta.Epoch{Version: 2}, meta.Peer{ID: 3, NodeID: 30})
	re, ok := As(errors.Wrap(err, "read"))
	if !ok {
		t.Fatal("As should find the range error")
	}
	if re.Leader == nil || re.Leader.NodeID != 30 || re.Epoch.Version != 2 || re.RangeID != 9 {
		t.Errorf("unexpected payload %+v", re)
	}
}
