package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets

	"github.com/ChuLiYu/nearline-mover/internal/pending"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// OpenBucket opens the bucket at url, e.g. file:///var/lib/nearline or
// mem://.
func OpenBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return bucket, nil
}

// BlobPayload serves an item's data from one object in a bucket. Archive
// items read the object with ranged reads; retrieve items write it in one
// sequential upload that becomes visible only on commit.
type BlobPayload struct {
	Bucket *blob.Bucket
	Key    string
}

// Describe builds the descriptor for an item backed by key. For archive
// items the size comes from the object; for retrieve items size is the
// expected length, or -1 when unknown.
func Describe(ctx context.Context, bucket *blob.Bucket, mode types.Mode, key string, size int64) (types.Descriptor, error) {
	desc := types.Descriptor{Mode: mode, Location: key, Size: size}
	if mode == types.ModeArchive {
		attrs, err := bucket.Attributes(ctx, key)
		if err != nil {
			return desc, fmt.Errorf("object %s: %w", key, err)
		}
		desc.Size = attrs.Size
		desc.Metadata = attrs.Metadata
	}
	return desc, nil
}

// SubmitBlob submits an item backed by key in bucket.
func (s *Scheduler) SubmitBlob(ctx context.Context, id types.TransferID, mode types.Mode, bucket *blob.Bucket, key string, size int64) (*Ticket, error) {
	desc, err := Describe(ctx, bucket, mode, key, size)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, id, desc, &BlobPayload{Bucket: bucket, Key: key})
}

// OpenSource returns a ReaderAt over the object.
func (p *BlobPayload) OpenSource(ctx context.Context) (pending.Source, error) {
	attrs, err := p.Bucket.Attributes(ctx, p.Key)
	if err != nil {
		return nil, err
	}
	return &blobSource{ctx: context.WithoutCancel(ctx), bucket: p.Bucket, key: p.Key, size: attrs.Size}, nil
}

// OpenSink starts the upload of the object.
func (p *BlobPayload) OpenSink(ctx context.Context) (pending.Sink, error) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w, err := p.Bucket.NewWriter(wctx, p.Key, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	return &blobSink{w: w, cancel: cancel}, nil
}

type blobSource struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64
}

func (s *blobSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	length := int64(len(p))
	if off+length > s.size {
		length = s.size - off
	}
	r, err := s.bucket.NewRangeReader(s.ctx, s.key, off, length, nil)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n, err := io.ReadFull(r, p[:length])
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *blobSource) Close() error { return nil }

type blobSink struct {
	w      *blob.Writer
	cancel context.CancelFunc
}

func (s *blobSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close commits the object.
func (s *blobSink) Close() error {
	defer s.cancel()
	return s.w.Close()
}

// Abort discards the upload; cancelling the writer's context before Close
// leaves no object behind.
func (s *blobSink) Abort() error {
	s.cancel()
	err := s.w.Close()
	if err == nil {
		return errors.New("upload committed despite abort")
	}
	return nil
}
