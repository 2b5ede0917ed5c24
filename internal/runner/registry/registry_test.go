package registry

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/malamar-dev/malamar/internal/common/logger"
)

type fakeProc struct {
	kills   atomic.Int32
	killErr error
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	return p.killErr
}

func TestTrackReplacementKillsPrior(t *testing.T) {
	r := New(logger.NewNop())

	first := &fakeProc{}
	second := &fakeProc{}
	r.TrackTask("t1", "ws1", first)
	r.TrackTask("t1", "ws1", second)

	if first.kills.Load() != 1 {
		t.Errorf("prior process should be killed on replacement, kills=%d", first.kills.Load())
	}
	if second.kills.Load() != 0 {
		t.Error("replacement process should not be killed")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 tracked process, got %d", r.Count())
	}
}

func TestKillMissingReturnsFalse(t *testing.T) {
	r := New(logger.NewNop())

	if r.KillTask("absent") {
		t.Error("KillTask on missing key should return false")
	}
	if r.KillChat("absent") {
		t.Error("KillChat on missing key should return false")
	}
}

func TestKillSwallowsProcessErrors(t *testing.T) {
	r := New(logger.NewNop())

	proc := &fakeProc{killErr: errors.New("process already finished")}
	r.TrackChat("c1", "ws1", proc)

	if !r.KillChat("c1") {
		t.Error("KillChat should report the entry existed")
	}
	if r.Count() != 0 {
		t.Error("entry should be removed even when kill errors")
	}
}

func TestKillWorkspaceOnlyTouchesMatching(t *testing.T) {
	r := New(logger.NewNop())

	inWs := &fakeProc{}
	inWsChat := &fakeProc{}
	other := &fakeProc{}
	r.TrackTask("t1", "ws1", inWs)
	r.TrackChat("c1", "ws1", inWsChat)
	r.TrackTask("t2", "ws2", other)

	r.KillWorkspace("ws1")

	if inWs.kills.Load() != 1 || inWsChat.kills.Load() != 1 {
		t.Error("workspace members should be killed")
	}
	if other.kills.Load() != 0 {
		t.Error("other workspace's process should survive")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 survivor, got %d", r.Count())
	}
}

func TestKillAll(t *testing.T) {
	r := New(logger.NewNop())

	procs := []*fakeProc{{}, {}, {}}
	r.TrackTask("t1", "ws1", procs[0])
	r.TrackTask("t2", "ws2", procs[1])
	r.TrackChat("c1", "ws1", procs[2])

	r.KillAll()

	for i, p := range procs {
		if p.kills.Load() != 1 {
			t.Errorf("process %d not killed", i)
		}
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}

func TestUntrackDoesNotKill(t *testing.T) {
	r := New(logger.NewNop())

	proc := &fakeProc{}
	r.TrackTask("t1", "ws1", proc)
	r.UntrackTask("t1")

	if proc.kills.Load() != 0 {
		t.Error("untrack must not kill")
	}
	if r.KillTask("t1") {
		t.Error("untracked entry should be gone")
	}
}
