package builtin

import (
	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// ChunkWriter splits large successful responses into a run of oksofar
// frames followed by one final frame with the original status.
type ChunkWriter struct {
	size int
}

func NewChunkWriter(size int) *ChunkWriter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkWriter{size: size}
}

func (c *ChunkWriter) Name() string { return stage.NameChunkWriter }

func (c *ChunkWriter) WrapWriter(_ *stage.Session, w stage.ResponseWriter) stage.ResponseWriter {
	return &chunkWriter{next: w, size: c.size}
}

type chunkWriter struct {
	next stage.ResponseWriter
	size int
}

func (w *chunkWriter) WriteResponse(resp *wire.Response) error {
	if resp.Status == wire.StatusError || len(resp.Data) <= w.size {
		return w.next.WriteResponse(resp)
	}

	data := resp.Data
	for len(data) > w.size {
		part := *resp
		part.Status = wire.StatusOKSoFar
		part.Data = data[:w.size]
		if err := w.next.WriteResponse(&part); err != nil {
			return err
		}
		data = data[w.size:]
	}
	last := *resp
	last.Data = data
	return w.next.WriteResponse(&last)
}
