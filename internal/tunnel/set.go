package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/sshclient"
	"github.com/treykane/bgtunnel/internal/util"
)

// Set is a caller-owned collection of open tunnels. It replaces any notion
// of a process-wide registry: the application decides when CloseAll runs.
type Set struct {
	mu          sync.Mutex
	tunnels     map[string]*Tunnel
	runtimePath string
}

// NewSet creates an empty set. When runtimePath is non-empty every change
// is written there as JSON so other processes (the status command) can
// inspect it.
func NewSet(runtimePath string) *Set {
	return &Set{
		tunnels:     make(map[string]*Tunnel),
		runtimePath: runtimePath,
	}
}

// Add registers t. A tunnel with the same ID that is still alive is an
// error; a dead one is replaced.
func (s *Set) Add(t *Tunnel) error {
	if t == nil {
		return errors.New("nil tunnel")
	}
	s.mu.Lock()
	if prev, ok := s.tunnels[t.ID()]; ok && prev != t && prev.Alive() {
		s.mu.Unlock()
		return fmt.Errorf("tunnel already open: %s", t.ID())
	}
	s.tunnels[t.ID()] = t
	s.mu.Unlock()

	go s.watch(t)
	s.persistLogged("add")
	return nil
}

// watch rewrites the runtime file once the child exits.
func (s *Set) watch(t *Tunnel) {
	<-t.Done()
	s.mu.Lock()
	_, ok := s.tunnels[t.ID()]
	s.mu.Unlock()
	if ok {
		s.persistLogged("exit")
	}
}

// Get returns the tunnel registered under id.
func (s *Set) Get(id string) (*Tunnel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[id]
	return t, ok
}

// Len returns the number of registered tunnels.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels)
}

// Remove closes and forgets the tunnel registered under id.
func (s *Set) Remove(id string) error {
	s.mu.Lock()
	t, ok := s.tunnels[id]
	delete(s.tunnels, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("tunnel not found: %s", id)
	}
	err := t.Close()
	s.persistLogged("remove")
	return err
}

// CloseAll closes every tunnel concurrently and empties the set.
func (s *Set) CloseAll() error {
	s.mu.Lock()
	all := make([]*Tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		all = append(all, t)
	}
	s.tunnels = make(map[string]*Tunnel)
	s.mu.Unlock()

	errs := make([]error, len(all))
	var wg sync.WaitGroup
	for i, t := range all {
		wg.Add(1)
		go func(i int, t *Tunnel) {
			defer wg.Done()
			if err := t.Close(); err != nil {
				errs[i] = fmt.Errorf("close %s: %w", t.ID(), err)
			}
		}(i, t)
	}
	wg.Wait()
	s.persistLogged("close-all")
	return errors.Join(errs...)
}

// Snapshot returns runtime records for every tunnel, sorted by ID. Alive
// tunnels are probed with a TCP dial against their local endpoint; the
// probes run concurrently and the whole snapshot is bounded by
// util.TunnelProbeTimeout.
func (s *Set) Snapshot() []model.TunnelRuntime {
	out := s.records()

	type probeResult struct {
		index     int
		latencyMS int64
		err       error
	}
	results := make(chan probeResult, len(out))
	expected := 0
	for i, rt := range out {
		if rt.State != model.TunnelActive || rt.PID == 0 {
			continue
		}
		expected++
		go func(idx int, local string) {
			start := time.Now()
			conn, err := net.DialTimeout("tcp", local, util.TunnelProbeTimeout)
			if err != nil {
				results <- probeResult{index: idx, err: err}
				return
			}
			_ = conn.Close()
			results <- probeResult{index: idx, latencyMS: time.Since(start).Milliseconds()}
		}(i, rt.Local)
	}

	timeout := time.NewTimer(util.TunnelProbeTimeout + 100*time.Millisecond)
	defer timeout.Stop()
	for collected := 0; collected < expected; collected++ {
		select {
		case r := <-results:
			if r.err != nil {
				slog.Debug("tunnel probe failed", "local", out[r.index].Local, "error", r.err)
				out[r.index].LastError = r.err.Error()
				continue
			}
			out[r.index].LatencyMS = r.latencyMS
		case <-timeout.C:
			slog.Warn("tunnel probe timeout", "collected", collected, "expected", expected)
			return out
		}
	}
	return out
}

func (s *Set) records() []model.TunnelRuntime {
	s.mu.Lock()
	out := make([]model.TunnelRuntime, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		out = append(out, t.Runtime())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Set) persistLogged(event string) {
	if err := s.persist(); err != nil {
		slog.Warn("failed to persist tunnel state", "event", event, "error", err)
	}
}

func (s *Set) persist() error {
	if s.runtimePath == "" {
		return nil
	}
	return WriteRuntime(s.runtimePath, s.records())
}

// WriteRuntime stores records at path, owner-readable only.
func WriteRuntime(path string, records []model.TunnelRuntime) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if records == nil {
		records = []model.TunnelRuntime{}
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadRuntime reads records written by a Set, possibly in another process.
// Records whose process is gone are reported closed. A missing file is an
// empty result.
func LoadRuntime(path string) ([]model.TunnelRuntime, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var arr []model.TunnelRuntime
	if err := json.Unmarshal(b, &arr); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range arr {
		rt := &arr[i]
		if rt.State == model.TunnelActive && (rt.PID <= 0 || !sshclient.Alive(rt.PID)) {
			rt.State = model.TunnelClosed
			rt.PID = 0
		}
		if rt.State == model.TunnelActive && !rt.StartedAt.IsZero() {
			rt.UptimeSec = int64(time.Since(rt.StartedAt).Seconds())
		}
	}
	return arr, nil
}
