package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/nearline-mover/internal/client"
	"github.com/ChuLiYu/nearline-mover/internal/journal"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// ============================================================================
// Command Tree Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "nearline-mover", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "submit", "probe", "fetch", "push", "journal"} {
		assert.True(t, names[want], "should have %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, defaultConfigPath, configFlag.DefValue)
}

func TestJournalSubcommands(t *testing.T) {
	cmd := buildJournalCommand(&options{})
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "cleanup", "verify"}, names)
}

// ============================================================================
// Config Tests
// ============================================================================

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
mover:
  address: 127.0.0.1:7000
  workers: 4
  shutdown_grace: 2s
  stages:
    - name: authn:token
      options:
        token: s3cret
journal:
  type: file
  path: /var/lib/mover/journal
scheduler:
  transfer_timeout: 1m
storage:
  bucket: file:///srv/tape
  items:
    - id: run-42
      mode: archive
metrics:
  enabled: true
  address: :9100
log:
  format: json
  level: debug
`)

	cfg, err := loadConfig(path, true)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Mover.Address)
	assert.Equal(t, 4, cfg.Mover.Workers)
	assert.Equal(t, 2*time.Second, cfg.Mover.ShutdownGrace)
	require.Len(t, cfg.Mover.Stages, 1)
	assert.Equal(t, "s3cret", cfg.Mover.Stages[0].Options["token"])
	assert.Equal(t, journal.TypeFile, cfg.Journal.Type)
	assert.Equal(t, time.Minute, cfg.Scheduler.TransferTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.SweepInterval, "default sweep interval")
	require.Len(t, cfg.Storage.Items, 1)
	assert.Equal(t, "run-42", cfg.Storage.Items[0].Key, "key defaults to the id")
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Address)
	assert.Equal(t, ":9091", cfg.Health.Address)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := loadConfig(missing, false)
	require.NoError(t, err, "a missing default config means defaults")
	assert.Equal(t, journal.TypeNop, cfg.Journal.Type)
	assert.Equal(t, "mem://", cfg.Storage.Bucket)

	_, err = loadConfig(missing, true)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "mover: [unclosed")
	_, err := loadConfig(path, true)
	assert.ErrorContains(t, err, "parse")
}

func TestLoadConfig_Validation(t *testing.T) {
	path := writeConfig(t, `
journal:
  type: sqlite
storage:
  items:
    - id: a
      mode: archive
    - id: a
      mode: restore
    - mode: archive
`)
	_, err := loadConfig(path, true)
	require.Error(t, err)
	assert.ErrorContains(t, err, `journal.type "sqlite"`)
	assert.ErrorContains(t, err, `duplicate id "a"`)
	assert.ErrorContains(t, err, `mode "restore"`)
	assert.ErrorContains(t, err, "storage.items[2]: id is required")

	path = writeConfig(t, "journal:\n  type: file\n")
	_, err = loadConfig(path, true)
	assert.ErrorContains(t, err, "journal.path is required")
}

// ============================================================================
// serve Tests
// ============================================================================

type serveFixture struct {
	dir        string
	storage    string
	configPath string
	cfg        *Config
}

func newServeFixture(t *testing.T) *serveFixture {
	t.Helper()
	dir := t.TempDir()
	storage := filepath.Join(dir, "storage")
	require.NoError(t, os.MkdirAll(storage, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storage, "abc123.dat"), []byte("archived bytes"), 0o644))

	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
mover:
  address: 127.0.0.1:0
  workers: 4
  shutdown_grace: 500ms
  stages:
    - name: handshake
    - name: decode
    - name: encode
    - name: authn:none
    - name: chunk-writer
    - name: resolve
journal:
  type: file
  path: `+filepath.Join(dir, "journal")+`
scheduler:
  transfer_timeout: 1m
  sweep_interval: 50ms
storage:
  bucket: file://`+storage+`
  items:
    - id: abc123
      mode: archive
      key: abc123.dat
    - id: up-1
      mode: retrieve
      key: restored/up-1.dat
      size: 5
    - id: never-served
      mode: retrieve
      size: -1
metrics:
  enabled: true
  address: 127.0.0.1:0
health:
  enabled: true
  address: 127.0.0.1:0
`), 0o644))

	cfg, err := loadConfig(configPath, true)
	require.NoError(t, err)
	return &serveFixture{dir: dir, storage: storage, configPath: configPath, cfg: cfg}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestServeEndToEnd tests the assembled process: transfers, health, metrics
// and the journal left behind for unfinished items
func TestServeEndToEnd(t *testing.T) {
	fx := newServeFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readyCh := make(chan endpoints, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, fx.cfg, quietLogger(), func(eps endpoints) { readyCh <- eps })
	}()

	var eps endpoints
	select {
	case eps = <-readyCh:
	case err := <-errCh:
		t.Fatalf("serve failed to start: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not become ready")
	}

	opCtx, opCancel := context.WithTimeout(ctx, 10*time.Second)
	defer opCancel()

	// health
	conn, err := grpc.NewClient(eps.Health.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	hresp, err := healthpb.NewHealthClient(conn).Check(opCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hresp.Status)

	// transfers
	c, err := client.Dial(opCtx, eps.Mover.String())
	require.NoError(t, err)

	var fetched bytes.Buffer
	n, err := c.Fetch(opCtx, "abc123", &fetched, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(len("archived bytes")), n)
	assert.Equal(t, "archived bytes", fetched.String())

	_, err = c.Push(opCtx, "up-1", strings.NewReader("hello"), 2)
	require.NoError(t, err)
	restored, err := os.ReadFile(filepath.Join(fx.storage, "restored", "up-1.dat"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(restored))

	_, _, err = c.Open(opCtx, "unknown", "")
	assert.True(t, client.IsNotFound(err), "got %v", err)
	require.NoError(t, c.Ping(opCtx), "connection survives a rejected open")

	// metrics
	resp, err := http.Get("http://" + eps.Metrics.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `mover_transfers_total{result="completed"} 2`)
	assert.Contains(t, string(body), `mover_transfers_total{result="rejected"} 1`)
	assert.Contains(t, string(body), "go_goroutines")

	// probe through the command tree
	var out bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetArgs([]string{"probe", "--addr", eps.Mover.String(), "--timeout", "5s"})
	require.NoError(t, root.ExecuteContext(opCtx))
	assert.Contains(t, out.String(), "ok")

	require.NoError(t, c.Close())
	require.NoError(t, conn.Close())
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	// Only the never-served item is left for the next start's cleanup.
	out.Reset()
	root = BuildCLI()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"journal", "list", "-c", fx.configPath})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "never-served")
	assert.NotContains(t, out.String(), "abc123")
	assert.NotContains(t, out.String(), "up-1")

	out.Reset()
	root = BuildCLI()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"journal", "verify", "-c", fx.configPath})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), " ok: ")

	out.Reset()
	root = BuildCLI()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"journal", "cleanup", "-c", fx.configPath})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "dropped 1 journal entries")

	j, err := journal.OpenFile(filepath.Join(fx.dir, "journal"), journal.FileOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestServeMissingArchiveObject tests that a configured item without its
// object stops serve before the data port opens
func TestServeMissingArchiveObject(t *testing.T) {
	fx := newServeFixture(t)
	fx.cfg.Storage.Items = []ItemConfig{{ID: "ghost", Mode: types.ModeArchive, Key: "ghost.dat"}}

	called := false
	err := serve(context.Background(), fx.cfg, quietLogger(), func(endpoints) { called = true })
	assert.ErrorContains(t, err, "submit ghost")
	assert.False(t, called)
}

// ============================================================================
// submit Tests
// ============================================================================

// TestSubmitOneWaitsForPeer tests the one-shot local mode
func TestSubmitOneWaitsForPeer(t *testing.T) {
	fx := newServeFixture(t)
	fx.cfg.Storage.Items = nil
	fx.cfg.Metrics.Enabled = false
	fx.cfg.Health.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		errCh <- submitOne(ctx, fx.cfg, quietLogger(),
			ItemConfig{ID: "one-shot", Mode: types.ModeArchive, Key: "abc123.dat"}, pw)
	}()

	// First line announces the data port.
	buf := make([]byte, 256)
	n, err := pr.Read(buf)
	require.NoError(t, err)
	line := string(buf[:n])
	require.Contains(t, line, "serving one-shot (archive) on ")
	addr := strings.TrimSpace(line[strings.LastIndex(line, " ")+1:])

	c, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()
	var fetched bytes.Buffer
	_, err = c.Fetch(ctx, "one-shot", &fetched, 1024)
	require.NoError(t, err)

	rest, err := io.ReadAll(pr)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Contains(t, string(rest), `"id": "one-shot"`)
	assert.Contains(t, string(rest), `"bytes": 14`)
}

// TestJournalVerify tests the offline check of a file journal, clean and
// with a torn final record
func TestJournalVerify(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := journal.OpenFile(dir, journal.FileOptions{Logger: quietLogger()})
	require.NoError(t, err)
	for _, id := range []types.TransferID{"a", "b"} {
		require.NoError(t, j.Put(context.Background(), id, types.Descriptor{Mode: types.ModeArchive, Size: 1}))
	}
	require.NoError(t, j.Close())

	path := writeConfig(t, "journal:\n  type: file\n  path: "+dir+"\n")
	run := func() (string, error) {
		var out bytes.Buffer
		root := BuildCLI()
		root.SetOut(&out)
		root.SetErr(io.Discard)
		root.SetArgs([]string{"journal", "verify", "-c", path})
		err := root.Execute()
		return out.String(), err
	}

	out, err := run()
	require.NoError(t, err)
	assert.Contains(t, out, "2 records in log (last seq 2)")

	f, err := os.OpenFile(filepath.Join(dir, "journal.wal"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"type":"PUT"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = run()
	assert.ErrorContains(t, err, "corrupted")

	nop := writeConfig(t, "journal:\n  type: nop\n")
	root := BuildCLI()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"journal", "verify", "-c", nop})
	assert.ErrorContains(t, root.Execute(), "cannot be verified offline")
}
