//go:build !windows

package tunnel

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/treykane/bgtunnel/internal/model"
)

// listenLocal occupies a loopback port so Snapshot probes have something
// to dial; the fake ssh client never binds anything itself.
func listenLocal(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func openSleeper(t *testing.T, hostPort int) *Tunnel {
	t.Helper()
	return openSleeperOn(t, listenLocal(t), hostPort)
}

func openSleeperOn(t *testing.T, bindPort, hostPort int) *Tunnel {
	t.Helper()
	req := testRequest(fakeSSH(t, "echo "+testBanner+"\nexec sleep 30"))
	req.HostPort = hostPort
	req.BindPort = bindPort
	tun, err := testOpener().Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tun
}

func TestSetSnapshotAndCloseAll(t *testing.T) {
	runtimePath := filepath.Join(t.TempDir(), "runtime.json")
	set := NewSet(runtimePath)

	a := openSleeper(t, 5432)
	b := openSleeper(t, 6379)
	if err := set.Add(a); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := set.Add(b); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected 2 tunnels, got %d", set.Len())
	}
	if got, ok := set.Get(a.ID()); !ok || got != a {
		t.Fatalf("Get(%q) = %v, %v", a.ID(), got, ok)
	}

	snap := set.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snap))
	}
	for _, rt := range snap {
		if rt.State != model.TunnelActive || rt.PID == 0 {
			t.Fatalf("expected active record with pid, got %+v", rt)
		}
		if rt.LastError != "" {
			t.Fatalf("unexpected probe error: %+v", rt)
		}
	}

	data, err := os.ReadFile(runtimePath)
	if err != nil {
		t.Fatalf("read runtime: %v", err)
	}
	var persisted []model.TunnelRuntime
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("parse runtime: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(persisted))
	}

	if err := set.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("expected empty set, got %d", set.Len())
	}
	if a.Alive() || b.Alive() {
		t.Fatal("expected tunnels closed")
	}
}

func TestSetRejectsDuplicateAliveTunnel(t *testing.T) {
	set := NewSet("")
	a := openSleeper(t, 5432)
	defer a.Close()
	if err := set.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := set.Add(a); err != nil {
		t.Fatalf("re-adding the same handle should be a no-op, got %v", err)
	}

	dup := openSleeperOn(t, a.LocalPort(), 5432)
	defer dup.Close()
	if dup.ID() != a.ID() {
		t.Fatalf("expected same id, got %q and %q", dup.ID(), a.ID())
	}
	if err := set.Add(dup); err == nil {
		t.Fatal("expected duplicate alive tunnel to be rejected")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := set.Add(dup); err != nil {
		t.Fatalf("expected dead tunnel to be replaced, got %v", err)
	}
}

func TestSetRemove(t *testing.T) {
	set := NewSet("")
	a := openSleeper(t, 5432)
	if err := set.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := set.Remove(a.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if a.Alive() {
		t.Fatal("expected tunnel closed by Remove")
	}
	if err := set.Remove(a.ID()); err == nil {
		t.Fatal("expected error removing unknown tunnel")
	}
}

func TestLoadRuntimeMarksDeadProcessesClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")
	records := []model.TunnelRuntime{
		{ID: "live", State: model.TunnelActive, PID: os.Getpid(), StartedAt: time.Now().Add(-time.Minute)},
		{ID: "dead", State: model.TunnelActive, PID: 0},
	}
	if err := WriteRuntime(path, records); err != nil {
		t.Fatalf("WriteRuntime: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 runtime file, got %#o", st.Mode().Perm())
	}

	got, err := LoadRuntime(path)
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	if got[0].State != model.TunnelActive || got[0].UptimeSec < 60 {
		t.Fatalf("expected live record kept active, got %+v", got[0])
	}
	if got[1].State != model.TunnelClosed {
		t.Fatalf("expected dead record closed, got %+v", got[1])
	}
}

func TestLoadRuntimeMissingFile(t *testing.T) {
	got, err := LoadRuntime(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil || got != nil {
		t.Fatalf("expected empty result, got %v, %v", got, err)
	}
}
