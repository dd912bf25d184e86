package integration

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/ChuLiYu/nearline-mover/internal/client"
	"github.com/ChuLiYu/nearline-mover/internal/journal"
	"github.com/ChuLiYu/nearline-mover/internal/mover"
	"github.com/ChuLiYu/nearline-mover/internal/pending"
	_ "github.com/ChuLiYu/nearline-mover/internal/plugin/authn"
	"github.com/ChuLiYu/nearline-mover/internal/scheduler"
	"github.com/ChuLiYu/nearline-mover/internal/stage"
)

const (
	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

var scenarioStages = []stage.Descriptor{
	{Name: "handshake"},
	{Name: "decode"},
	{Name: "encode"},
	{Name: "authn:none"},
	{Name: "chunk-writer"},
	{Name: "resolve"},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// system is a scheduler and a mover sharing one pending table.
type system struct {
	table  *pending.Table
	sched  *scheduler.Scheduler
	mover  *mover.Service
	bucket *blob.Bucket
	addr   string
}

func startSystem(t *testing.T, j journal.Journal, schedCfg scheduler.Config, opts ...scheduler.Option) *system {
	t.Helper()
	logger := quietLogger()
	table := pending.NewTable()

	opts = append([]scheduler.Option{scheduler.WithLogger(logger)}, opts...)
	sched := scheduler.New(schedCfg, table, j, opts...)
	require.NoError(t, sched.Start(context.Background()))

	svc := mover.New(mover.Config{
		Address:       "127.0.0.1:0",
		Workers:       16,
		Stages:        scenarioStages,
		ChunkSize:     4096,
		ShutdownGrace: time.Second,
	}, table, mover.WithLogger(logger))
	require.NoError(t, svc.Start(context.Background()))

	addr, err := svc.LocalAddr()
	require.NoError(t, err)

	bucket := memblob.OpenBucket(nil)
	sys := &system{table: table, sched: sched, mover: svc, bucket: bucket, addr: addr.String()}
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
		sched.Stop()
		_ = bucket.Close()
	})
	return sys
}

func (s *system) dial(t *testing.T, ctx context.Context) *client.Client {
	t.Helper()
	c, err := client.Dial(ctx, s.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}
