package util

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestResolvePortKeepsRequested(t *testing.T) {
	got, err := ResolvePort(52011)
	if err != nil {
		t.Fatal(err)
	}
	if got != 52011 {
		t.Fatalf("expected requested port back, got %d", got)
	}
}

func TestResolvePortRejectsOutOfRange(t *testing.T) {
	for _, p := range []int{-1, 65536, 70000} {
		if _, err := ResolvePort(p); err == nil {
			t.Fatalf("expected error for port %d", p)
		}
	}
}

func TestResolvePortConcurrentAutoDistinct(t *testing.T) {
	var (
		wg    sync.WaitGroup
		ports [2]int
		errs  [2]error
	)
	for i := range ports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ports[i], errs[i] = ResolvePort(0)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if ValidatePort(ports[i]) != nil {
			t.Fatalf("resolved port %d out of range", ports[i])
		}
	}
	if ports[0] == ports[1] {
		t.Fatalf("expected distinct ephemeral ports, got %d twice", ports[0])
	}
}

func TestIsPrivilegedPort(t *testing.T) {
	cases := map[int]bool{0: false, 22: true, 80: true, 1023: true, 1024: false, 8080: false}
	for port, want := range cases {
		if got := IsPrivilegedPort(port); got != want {
			t.Fatalf("IsPrivilegedPort(%d) = %v, want %v", port, got, want)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	for _, addr := range []string{"127.0.0.1", "localhost", "::1", "[::1]", "127.0.0.2"} {
		if !IsLoopback(addr) {
			t.Fatalf("expected %q to be loopback", addr)
		}
	}
	for _, addr := range []string{"0.0.0.0", "10.0.0.1", "db.internal", ""} {
		if IsLoopback(addr) {
			t.Fatalf("expected %q not to be loopback", addr)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/.ssh/id_ed25519")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".ssh", "id_ed25519"); got != want {
		t.Fatalf("want %s, got %s", want, got)
	}

	got, err = ExpandPath("  ")
	if err != nil || got != "" {
		t.Fatalf("expected blank path to stay blank, got %q err=%v", got, err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	got, err = ExpandPath("key.pem")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(wd, "key.pem"); got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
}
