package ssh

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// newTestTransport returns a transport whose scripts land in a fresh directory.
func newTestTransport(t *testing.T) (*ScriptTransport, string) {
	t.Helper()

	dir := t.TempDir()
	resolver := NewCredentialResolver()
	resolver.StrictHostKeyChecking = false
	resolver.ConnectionTimeout = 5 * time.Second
	resolver.RemoteTempDir = dir
	return NewScriptTransport(resolver), dir
}

func testTarget(server *testSSHServer, credential string) *engine.Target {
	host, port := parseAddress(server.addr)
	return &engine.Target{
		ID:       "t1",
		Hostname: "web-1",
		Address:  host,
		OSType:   "linux",
		Auth: &engine.AuthRef{
			Principal:     "testuser",
			CredentialRef: credential,
			Port:          port,
		},
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Errorf("expected remote temp dir to be empty, found %d entries", len(entries))
	}
}

func TestScriptTransportExecute(t *testing.T) {
	server := newTestSSHServer(t)

	tests := []struct {
		name     string
		script   string
		exitCode int
		output   string
		stderr   string
	}{
		{
			name:     "success",
			script:   "#!/bin/sh\necho hello from $(basename \"$0\")\n",
			exitCode: 0,
			output:   "hello from deployctl-task-1.sh\n",
		},
		{
			name:     "failure with stderr",
			script:   "#!/bin/sh\necho broken >&2\nexit 4\n",
			exitCode: 4,
			stderr:   "broken\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, dir := newTestTransport(t)
			task := &engine.Task{ID: "task-1", TargetID: "t1", Method: engine.MethodSSH, Script: tt.script}

			res, err := transport.Execute(context.Background(), testTarget(server, "password:testpass"), task, 10*time.Second)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ExitCode == nil || *res.ExitCode != tt.exitCode {
				t.Errorf("expected exit code %d, got %v", tt.exitCode, res.ExitCode)
			}
			if res.Output != tt.output {
				t.Errorf("expected output %q, got %q", tt.output, res.Output)
			}
			if res.ErrorOutput != tt.stderr {
				t.Errorf("expected stderr %q, got %q", tt.stderr, res.ErrorOutput)
			}
			assertEmptyDir(t, dir)
		})
	}
}

func TestScriptTransportTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	transport, dir := newTestTransport(t)

	task := &engine.Task{ID: "slow", TargetID: "t1", Method: engine.MethodSSH, Script: "#!/bin/sh\nsleep 5\n"}

	res, err := transport.Execute(context.Background(), testTarget(server, "password:testpass"), task, 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !engine.IsTimeout(err) {
		t.Errorf("expected timeout error, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected 'timed out' in error, got %q", err.Error())
	}
	if res == nil {
		t.Fatal("expected partial result on timeout")
	}
	if res.ExitCode != nil {
		t.Errorf("expected unset exit code, got %d", *res.ExitCode)
	}
	assertEmptyDir(t, dir)
}

func TestScriptTransportAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	transport, dir := newTestTransport(t)

	task := &engine.Task{ID: "task-1", TargetID: "t1", Method: engine.MethodSSH, Script: "true"}

	res, err := transport.Execute(context.Background(), testTarget(server, "password:wrong"), task, time.Second)
	if err == nil {
		t.Fatal("expected authentication error, got nil")
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	if !engine.IsPermanent(err) {
		t.Errorf("authentication failure should be permanent, got %v", err)
	}
	if server.execs.Load() != 0 {
		t.Errorf("expected no command to run, got %d", server.execs.Load())
	}
	assertEmptyDir(t, dir)
}

func TestScriptTransportUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	host, port := parseAddress(listener.Addr().String())
	listener.Close()

	transport, _ := newTestTransport(t)
	target := &engine.Target{
		ID:      "t1",
		Address: host,
		Auth:    &engine.AuthRef{Principal: "testuser", CredentialRef: "password:x", Port: port},
	}

	_, err = transport.Execute(context.Background(), target, &engine.Task{ID: "task-1", Script: "true"}, time.Second)
	if err == nil {
		t.Fatal("expected connection error, got nil")
	}
	if !engine.IsTransient(err) {
		t.Errorf("unreachable host should be transient, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed to connect") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestScriptTransportMissingPrincipal(t *testing.T) {
	transport, _ := newTestTransport(t)

	_, err := transport.Execute(context.Background(), &engine.Target{ID: "t1", Address: "127.0.0.1"}, &engine.Task{ID: "task-1"}, time.Second)
	if err == nil || !engine.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
