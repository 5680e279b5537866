// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zyotra/storagelayer/internal/testutil"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// env isolates configuration lookup and returns a fresh database DSN.
func env(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("STORAGELAYER_VAULT_KEY", "cli-test-key")
	t.Setenv("STORAGELAYER_VAULT_WORK_FACTOR", "10")
	t.Setenv("STORAGELAYER_VAULT_MAX_WORK_FACTOR", "10")
	t.Setenv("STORAGELAYER_LOG_LEVEL", "error")
	t.Chdir(t.TempDir())
	return filepath.Join(t.TempDir(), "storagelayer.db")
}

func run(t *testing.T, dsn, stdin string, args ...string) (string, error) {
	t.Helper()
	out, _, err := runWithStderr(t, dsn, stdin, args...)
	return out, err
}

func runWithStderr(t *testing.T, dsn, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd, a := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--db-dsn", dsn}, args...))
	err := execute(cmd, a)
	return out.String(), errOut.String(), err
}

func mustRun(t *testing.T, dsn, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, dsn, stdin, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

type reportJSON struct {
	Results []struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	} `json:"results"`
	Success     bool   `json:"success"`
	FailedIndex int    `json:"failed_index"`
	Error       string `json:"error"`
	ErrorKind   string `json:"error_kind"`
}

func decodeReport(t *testing.T, out string) reportJSON {
	t.Helper()
	var r reportJSON
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	return r
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	want := []string{"config", "db", "exec", "history", "known-hosts", "machine", "run-recipe", "seal", "trust-host", "version"}
	var got []string
	for _, c := range cmd.Commands() {
		if c.Name() == "help" || c.Name() == "completion" {
			continue
		}
		got = append(got, c.Name())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subcommands (-want +got):\n%s", diff)
	}
	// A second tree must not panic on duplicate flags.
	_ = NewRootCmd()
}

func TestVersionCommand(t *testing.T) {
	dsn := env(t)
	out := mustRun(t, dsn, "", "version")
	if !strings.HasPrefix(out, "version: ") || !strings.Contains(out, "commit: ") {
		t.Errorf("output = %q", out)
	}
}

func TestResolveBuildVersion(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	}
	v, c, d := resolveBuildVersion(info)
	if v != "v1.4.0" || c != "0123456789ab" || d != "2026-01-02T03:04:05Z" {
		t.Errorf("got %q %q %q", v, c, d)
	}
	if got := compositeVersion(v, c, d); got != "v1.4.0 (0123456789ab) built: 2026-01-02T03:04:05Z" {
		t.Errorf("composite = %q", got)
	}
	if got := compositeVersion("dev", "dev", ""); got != "dev" {
		t.Errorf("composite = %q", got)
	}
}

func TestSealRequiresKey(t *testing.T) {
	dsn := env(t)
	t.Setenv("STORAGELAYER_VAULT_KEY", "")
	if _, err := run(t, dsn, "pw\n", "seal"); err == nil || !strings.Contains(err.Error(), "STORAGELAYER_VAULT_KEY") {
		t.Fatalf("err = %v", err)
	}
}

func TestSealReadsPipedSecret(t *testing.T) {
	dsn := env(t)
	out := mustRun(t, dsn, "hunter2\n", "seal")
	sealed := strings.TrimSpace(out)
	if sealed == "" || strings.Contains(sealed, "hunter2") {
		t.Fatalf("sealed = %q", sealed)
	}
	if _, err := run(t, dsn, "", "seal"); err == nil {
		t.Fatal("empty input must be rejected")
	}
}

func TestMachineAddAndList(t *testing.T) {
	dsn := env(t)
	if out := mustRun(t, dsn, "pw\n", "machine", "add", "tenant-1", "10.0.0.1"); !strings.Contains(out, "Added machine 1") {
		t.Errorf("add output = %q", out)
	}
	mustRun(t, dsn, "pw\n", "machine", "add", "tenant-2", "10.0.0.2")

	out := mustRun(t, dsn, "", "machine", "list", "--owner", "tenant-1")
	if !strings.Contains(out, "10.0.0.1") || strings.Contains(out, "10.0.0.2") {
		t.Errorf("list output = %q", out)
	}
	out = mustRun(t, dsn, "", "machine", "list", "--owner", "nobody")
	if !strings.Contains(out, "No machines found.") {
		t.Errorf("list output = %q", out)
	}
}

// provision registers srv as machine 1 of tenant-1 and trusts its key.
func provision(t *testing.T, dsn string, srv *testutil.SSHServer) {
	t.Helper()
	mustRun(t, dsn, srv.Password+"\n", "machine", "add", "tenant-1", srv.Addr)
	out := mustRun(t, dsn, "yes\n", "trust-host", srv.Addr)
	if !strings.Contains(out, "Permanently added") || !strings.Contains(out, ssh.FingerprintSHA256(srv.HostKey)) {
		t.Fatalf("trust-host output = %q", out)
	}
}

func TestExecEndToEnd(t *testing.T) {
	dsn := env(t)
	srv := testutil.NewSSHServer(t)
	provision(t, dsn, srv)

	out := mustRun(t, dsn, "", "exec", "1", "--caller", "tenant-1", "--address", srv.Addr, "echo one", "echo two")
	r := decodeReport(t, out)
	if !r.Success || r.FailedIndex != -1 || len(r.Results) != 2 || r.Results[1].Stdout != "two\n" {
		t.Fatalf("report = %+v", r)
	}

	out, err := run(t, dsn, "", "exec", "1", "--caller", "tenant-1", "--address", srv.Addr, "echo a", "exit 3", "echo b")
	if err == nil {
		t.Fatal("expected failure")
	}
	r = decodeReport(t, out)
	if r.Success || r.FailedIndex != 1 || r.ErrorKind != "command_failure" || r.Results[1].ExitCode != 3 {
		t.Fatalf("report = %+v", r)
	}
	if strings.Contains(r.Error, "exit 3") {
		t.Errorf("error leaks command text: %q", r.Error)
	}

	out, err = run(t, dsn, "", "exec", "1", "--caller", "tenant-2", "--address", srv.Addr, "echo x")
	if err == nil {
		t.Fatal("foreign caller must be denied")
	}
	if r = decodeReport(t, out); r.ErrorKind != "authorization" || len(r.Results) != 0 {
		t.Fatalf("report = %+v", r)
	}

	if diff := cmp.Diff([]string{"echo one", "echo two", "echo a", "exit 3"}, srv.Commands()); diff != "" {
		t.Errorf("server commands (-want +got):\n%s", diff)
	}

	hist := mustRun(t, dsn, "", "history", "--machine", "1")
	if strings.Count(hist, "tenant-1") != 2 || !strings.Contains(hist, "command_failure at #1") {
		t.Errorf("history = %q", hist)
	}
}

func TestExecStream(t *testing.T) {
	dsn := env(t)
	srv := testutil.NewSSHServer(t)
	provision(t, dsn, srv)

	out := mustRun(t, dsn, "", "exec", "1", "--stream", "--caller", "tenant-1", "--address", srv.Addr, "echo streamed")
	if out != "streamed\n" {
		t.Errorf("stream output = %q", out)
	}
}

func TestExecStrictPolicyRejectsUnknownHost(t *testing.T) {
	dsn := env(t)
	srv := testutil.NewSSHServer(t)
	mustRun(t, dsn, srv.Password+"\n", "machine", "add", "tenant-1", srv.Addr)

	out, err := run(t, dsn, "", "exec", "1", "--caller", "tenant-1", "--address", srv.Addr, "echo x")
	if err == nil {
		t.Fatal("expected connection failure")
	}
	if r := decodeReport(t, out); r.ErrorKind != "connection" {
		t.Fatalf("report = %+v", r)
	}
	if len(srv.Commands()) != 0 {
		t.Error("command reached an untrusted host")
	}
}

func TestTrustHostUsesConfiguredPort(t *testing.T) {
	dsn := env(t)
	srv := testutil.NewSSHServer(t)
	host, _, err := net.SplitHostPort(srv.Addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("STORAGELAYER_SSH_PORT", strconv.Itoa(srv.Port))

	mustRun(t, dsn, srv.Password+"\n", "machine", "add", "tenant-1", host)
	out := mustRun(t, dsn, "", "trust-host", "--yes", host)
	if !strings.Contains(out, srv.Addr) {
		t.Errorf("trust-host output = %q", out)
	}
	out = mustRun(t, dsn, "", "exec", "1", "--caller", "tenant-1", "--address", host, "echo ok")
	if r := decodeReport(t, out); !r.Success || r.Results[0].Stdout != "ok\n" {
		t.Fatalf("report = %+v", r)
	}
}

func TestStoreClosedAfterFailedCommand(t *testing.T) {
	dsn := env(t)
	cmd, a := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader("yes\n"))
	// Nothing listens on port 1, so the command fails after the store opened.
	cmd.SetArgs([]string{"--db-dsn", dsn, "trust-host", "127.0.0.1:1"})
	if err := execute(cmd, a); err == nil {
		t.Fatal("expected trust-host to fail")
	}
	if a.store == nil {
		t.Fatal("store was never opened")
	}
	if err := a.store.BunDB().PingContext(context.Background()); err == nil {
		t.Fatal("store left open after a failed command")
	}
}

func TestDebugFlagLogsToStderr(t *testing.T) {
	dsn := env(t)
	_, stderr, err := runWithStderr(t, dsn, "", "--debug", "machine", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stderr, "db: opened sqlite") {
		t.Errorf("stderr = %q", stderr)
	}
	_, stderr, err = runWithStderr(t, dsn, "", "machine", "list")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stderr, "db: opened") {
		t.Errorf("debug output without --debug: %q", stderr)
	}
}

func TestTrustHostDeclined(t *testing.T) {
	dsn := env(t)
	srv := testutil.NewSSHServer(t)
	if _, err := run(t, dsn, "no\n", "trust-host", srv.Addr); err == nil {
		t.Fatal("declined prompt must fail")
	}
}

func TestKnownHostsImport(t *testing.T) {
	dsn := env(t)
	srv := testutil.NewSSHServer(t)
	mustRun(t, dsn, srv.Password+"\n", "machine", "add", "tenant-1", srv.Addr)

	file := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.Addr)}, srv.HostKey) + "\n"
	if err := os.WriteFile(file, []byte("# comment\n"+line), 0o600); err != nil {
		t.Fatal(err)
	}
	out := mustRun(t, dsn, "", "known-hosts", "import", file)
	if !strings.Contains(out, "Imported 1 host keys (0 skipped)") {
		t.Errorf("import output = %q", out)
	}
	mustRun(t, dsn, "", "exec", "1", "--caller", "tenant-1", "--address", srv.Addr, "true")
}

func TestRunRecipeMasksSecrets(t *testing.T) {
	dsn := env(t)
	srv := testutil.NewSSHServer(t)
	provision(t, dsn, srv)

	recipePath := filepath.Join(t.TempDir(), "greet.yaml")
	yaml := `name: greet
params:
  who: identifier
  token: secret
files:
  - path: ` + srv.SFTPRoot + `/{{who}}.conf
    content: "token={{token}}\n"
steps:
  - echo {{who}}
  - echo {{token}}
`
	if err := os.WriteFile(recipePath, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	out := mustRun(t, dsn, "", "run-recipe", "1", recipePath,
		"--caller", "tenant-1", "--address", srv.Addr, "--var", "who=alice", "--var", "token=hunter2")
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked into output:\n%s", out)
	}
	r := decodeReport(t, out)
	if !r.Success || len(r.Results) != 2 || r.Results[0].Stdout != "alice\n" || r.Results[1].Stdout != "'********'\n" {
		t.Fatalf("report = %+v", r)
	}
	content, err := os.ReadFile(filepath.Join(srv.SFTPRoot, "alice.conf"))
	if err != nil || string(content) != "token=hunter2\n" {
		t.Errorf("uploaded file = %q, %v", content, err)
	}

	if _, err := run(t, dsn, "", "run-recipe", "1", recipePath,
		"--caller", "tenant-1", "--address", srv.Addr, "--var", "who=a;b", "--var", "token=x"); err == nil {
		t.Fatal("invalid identifier must be rejected before connecting")
	}
}

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"a=1", "b=x=y", "c="})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"a": "1", "b": "x=y", "c": ""}, got); diff != "" {
		t.Errorf("parseVars (-want +got):\n%s", diff)
	}
	for _, bad := range [][]string{{"novalue"}, {"=x"}, {"a=1", "a=2"}} {
		if _, err := parseVars(bad); err == nil {
			t.Errorf("parseVars(%q) succeeded", bad)
		}
	}
}

func TestHistoryEmpty(t *testing.T) {
	dsn := env(t)
	if out := mustRun(t, dsn, "", "history"); !strings.Contains(out, "No executions recorded.") {
		t.Errorf("history = %q", out)
	}
}

func TestHistoryShowOutput(t *testing.T) {
	dsn := env(t)
	t.Setenv("STORAGELAYER_AUDIT_CAPTURE_OUTPUT", "true")
	srv := testutil.NewSSHServer(t)
	provision(t, dsn, srv)
	mustRun(t, dsn, "", "exec", "1", "--caller", "tenant-1", "--address", srv.Addr, "echo captured", "err warned")

	out := mustRun(t, dsn, "", "history", "--show-output")
	for _, want := range []string{"#0 ", "#1 ", "stdout:\n      captured\n", "stderr:\n      warned\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}
}

func TestConfigInit(t *testing.T) {
	dsn := env(t)
	path := filepath.Join(t.TempDir(), "out.yaml")
	mustRun(t, dsn, "", "config", "init", "-o", path)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "host_key_policy") || strings.Contains(string(data), "cli-test-key") {
		t.Errorf("config file:\n%s", data)
	}
}

func TestDBMaintain(t *testing.T) {
	dsn := env(t)
	mustRun(t, dsn, "", "machine", "list")
	if out := mustRun(t, dsn, "", "db", "maintain"); !strings.Contains(out, "maintenance completed") {
		t.Errorf("output = %q", out)
	}
}

func TestIndent(t *testing.T) {
	if got := indent("a\nb\n", "  "); got != "  a\n  b\n" {
		t.Errorf("indent = %q", got)
	}
	if got := indent("a", "> "); got != "> a\n" {
		t.Errorf("indent = %q", got)
	}
}

func TestLanguageFlag(t *testing.T) {
	dsn := env(t)
	if out := mustRun(t, dsn, "", "--lang", "de", "machine", "list"); !strings.Contains(out, "Keine Maschinen gefunden.") {
		t.Errorf("output = %q", out)
	}
	if out := mustRun(t, dsn, "", "machine", "list"); !strings.Contains(out, "No machines found.") {
		t.Errorf("output = %q", out)
	}
}

func TestMaskingWriterCatchesSplitSecrets(t *testing.T) {
	cases := []struct {
		name    string
		secrets []string
		chunks  []string
		want    string
	}{
		{"split across chunks", []string{"hunter2"}, []string{"tok", "en=hun", "ter2 done\n"}, "token=******** done\n"},
		{"one byte at a time", []string{"pw"}, strings.Split("a pw b pw", ""), "a ******** b ********"},
		{"secret at the very end", []string{"hunter2"}, []string{"x hunt", "er2"}, "x ********"},
		{"two secrets", []string{"abc", "longsecret"}, []string{"abc long", "secret ab", "c"}, "******** ******** ********"},
		{"no secrets", nil, []string{"plain ", "text"}, "plain text"},
		{"near miss", []string{"hunter2"}, []string{"hunter", "3"}, "hunter3"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := newMaskingWriter(&buf, c.secrets)
			for _, chunk := range c.chunks {
				if err := w.WriteString(chunk); err != nil {
					t.Fatal(err)
				}
			}
			if err := w.Flush(); err != nil {
				t.Fatal(err)
			}
			if buf.String() != c.want {
				t.Errorf("got %q, want %q", buf.String(), c.want)
			}
		})
	}
}

func TestMaskingWriterPassesThroughWithoutSecrets(t *testing.T) {
	var buf bytes.Buffer
	w := newMaskingWriter(&buf, nil)
	_ = w.WriteString("streamed")
	if buf.String() != "streamed" {
		t.Fatalf("unmasked output must not be held back, got %q", buf.String())
	}
}
