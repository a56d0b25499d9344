package container

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestBuildArgsIncludesSandboxFlags(t *testing.T) {
	r := &Runner{runtime: "docker"}
	args := r.buildArgs(RunRequest{
		Image:    "andy-agent:latest",
		GroupJID: "wa:123@g.us",
		InboxDir: "/data/ipc/main",
		Mounts:   []Mount{{HostPath: "/home/user/project", ContainerPath: "/workspace", ReadOnly: true}},
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--network none", "--read-only", "--cap-drop ALL",
		"--security-opt no-new-privileges", "--pids-limit", "--memory", "--cpus",
		"/workspace:ro", "andy-agent:latest",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("buildArgs missing %q in: %s", want, joined)
		}
	}
}

func TestWriteInboxMessageIsAtomic(t *testing.T) {
	dir := t.TempDir()
	if err := WriteInboxMessage(dir, "m1", map[string]string{"content": "hi"}); err != nil {
		t.Fatalf("WriteInboxMessage: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "m1.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "hi") {
		t.Errorf("inbox file content = %s", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "m1.json.tmp")); !os.IsNotExist(err) {
		t.Error("expected temp file to be renamed away, not left behind")
	}
}

func TestSignalCloseWritesSentinel(t *testing.T) {
	dir := t.TempDir()
	if err := SignalClose(dir); err != nil {
		t.Fatalf("SignalClose: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "_close")); err != nil {
		t.Fatalf("expected _close sentinel to exist: %v", err)
	}
}

func TestDecodeStdoutParsesRecords(t *testing.T) {
	input := strings.NewReader(`{"type":"typing","on":true}
{"type":"result","text":"done"}
not json, should be skipped
{"type":"status","status":"ok"}
`)
	var got []Record
	err := decodeStdout(context.Background(), input, func(r Record) {
		got = append(got, r)
	})
	if err != nil {
		t.Fatalf("decodeStdout: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3 (malformed line skipped): %+v", len(got), got)
	}
	if got[1].Type != RecordResult || got[1].Content != "done" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestAllowlistRejectsOutsidePrefix(t *testing.T) {
	al := &Allowlist{AllowedRoots: []string{"/home/user/projects"}}
	_, err := al.Validate([]Mount{{HostPath: "/home/user/projects/app", ContainerPath: "/workspace"}}, "main")
	if err != nil {
		t.Errorf("expected an allowed mount to validate, got %v", err)
	}
	_, err = al.Validate([]Mount{{HostPath: "/etc/passwd", ContainerPath: "/workspace"}}, "main")
	if err == nil {
		t.Error("expected a mount outside every prefix to be rejected")
	}
}

func TestLoadAllowlistMissingFileIsEmpty(t *testing.T) {
	al, err := LoadAllowlist(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if len(al.AllowedRoots) != 0 {
		t.Errorf("expected empty allowlist, got %+v", al.AllowedRoots)
	}
	if al.allows("/anything") {
		t.Error("an empty allowlist must deny everything")
	}
}

func TestAllowlistBlocksPatternEvenUnderAllowedRoot(t *testing.T) {
	al := &Allowlist{AllowedRoots: []string{"/home/user/projects"}}
	for _, pat := range []string{`\.git$`, `\.env$`} {
		re := mustCompileForTest(t, pat)
		al.blocked = append(al.blocked, re)
	}
	_, err := al.Validate([]Mount{{HostPath: "/home/user/projects/app/.env", ContainerPath: "/workspace/.env"}}, "main")
	if err == nil {
		t.Error("expected a blocked-pattern path to be rejected even under an allowed root")
	}
}

func TestAllowlistForcesNonMainGroupsReadOnly(t *testing.T) {
	al := &Allowlist{AllowedRoots: []string{"/groups"}, NonMainReadOnly: true}
	mounts, err := al.Validate([]Mount{{HostPath: "/groups/secondary", ContainerPath: "/workspace", ReadOnly: false}}, "secondary")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !mounts[0].ReadOnly {
		t.Error("expected a non-main group's mount to be forced read-only")
	}

	mounts, err = al.Validate([]Mount{{HostPath: "/groups/main", ContainerPath: "/workspace", ReadOnly: false}}, "main")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if mounts[0].ReadOnly {
		t.Error("expected the main group's mount to remain read-write")
	}
}

func mustCompileForTest(t *testing.T, pat string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pat)
	if err != nil {
		t.Fatalf("compile %q: %v", pat, err)
	}
	return re
}
