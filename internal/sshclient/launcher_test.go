//go:build !windows

package sshclient

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestPipeLauncherCapturesBothStreams(t *testing.T) {
	proc, err := PipeLauncher{}.Launch([]string{"/bin/sh", "-c", "echo out; echo err 1>&2"})
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Close()

	out, err := io.ReadAll(proc.Stdout)
	if err != nil {
		t.Fatal(err)
	}
	errOut, err := io.ReadAll(proc.Stderr)
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if strings.TrimSpace(string(out)) != "out" || strings.TrimSpace(string(errOut)) != "err" {
		t.Fatalf("unexpected output stdout=%q stderr=%q", out, errOut)
	}
}

func TestPipeLauncherKeepsOutputAfterExit(t *testing.T) {
	proc, err := PipeLauncher{}.Launch([]string{"/bin/sh", "-c", "echo 'Permission denied (publickey).' 1>&2; exit 255"})
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Close()

	// reaping first must not lose the line
	if err := proc.Cmd.Wait(); err == nil {
		t.Fatal("expected non-zero exit")
	}
	line, err := bufio.NewReader(proc.Stderr).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "Permission denied") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestPipeLauncherMissingBinary(t *testing.T) {
	_, err := PipeLauncher{}.Launch([]string{"/nonexistent/bgtunnel-ssh"})
	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("expected LaunchError, got %v", err)
	}

	_, err = PipeLauncher{}.Launch([]string{"bgtunnel-no-such-binary"})
	if !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected exec.ErrNotFound, got %v", err)
	}
}

func TestTerminateStopsChild(t *testing.T) {
	proc, err := PipeLauncher{}.Launch([]string{"sleep", "30"})
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Close()
	pid := proc.PID()
	if !Alive(pid) {
		t.Fatal("expected child to be alive")
	}

	done := make(chan error, 1)
	go func() { done <- proc.Cmd.Wait() }()
	if err := Terminate(proc.Cmd.Process); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after SIGTERM")
	}
	if Alive(pid) {
		t.Fatalf("pid %d still alive after reap", pid)
	}
}

func TestPTYLauncherMergesOutput(t *testing.T) {
	proc, err := PTYLauncher{}.Launch([]string{"/bin/sh", "-c", "echo out; echo err 1>&2"})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer proc.Close()
	if proc.Stderr != nil {
		t.Fatal("expected merged output")
	}

	var lines []string
	sc := bufio.NewScanner(proc.Stdout)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	_ = proc.Cmd.Wait()
	got := strings.Join(lines, ",")
	if !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Fatalf("expected both streams on the pty, got %q", got)
	}
}
