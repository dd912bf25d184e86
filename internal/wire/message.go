package wire

import (
	"fmt"

	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// Op names a request operation.
type Op string

const (
	OpLogin Op = "login"
	OpPing  Op = "ping"
	OpOpen  Op = "open"
	OpRead  Op = "read"
	OpWrite Op = "write"
	OpClose Op = "close"
)

// Status of a response frame.
type Status string

const (
	StatusOK      Status = "ok"
	StatusOKSoFar Status = "oksofar" // more frames follow for the same stream
	StatusError   Status = "error"
)

// Code is a protocol-level error code. Values follow the xrootd kXR_*
// numbering so that log output is familiar to tape operators.
type Code int

const (
	CodeNone          Code = 0
	CodeArgInvalid    Code = 3000
	CodeFileLocked    Code = 3003
	CodeInvalidReq    Code = 3006
	CodeIOError       Code = 3007
	CodeNotAuthorized Code = 3010
	CodeNotFound      Code = 3011
	CodeServerError   Code = 3012
	CodeUnsupported   Code = 3013
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeArgInvalid:
		return "ArgInvalid"
	case CodeFileLocked:
		return "FileLocked"
	case CodeInvalidReq:
		return "InvalidRequest"
	case CodeIOError:
		return "IOError"
	case CodeNotAuthorized:
		return "NotAuthorized"
	case CodeNotFound:
		return "NotFound"
	case CodeServerError:
		return "ServerError"
	case CodeUnsupported:
		return "Unsupported"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Request is one decoded client operation. Stream correlates responses
// with requests; clients are free to reuse stream ids once a final
// response has been received.
type Request struct {
	Stream     uint16           `msgpack:"stream"`
	Op         Op               `msgpack:"op"`
	TransferID types.TransferID `msgpack:"transfer_id,omitempty"`
	Mode       types.Mode       `msgpack:"mode,omitempty"`
	Handle     uint32           `msgpack:"handle,omitempty"`
	Offset     int64            `msgpack:"offset,omitempty"`
	Length     int32            `msgpack:"length,omitempty"`
	Data       []byte           `msgpack:"data,omitempty"`
	Token      string           `msgpack:"token,omitempty"`
}

// Response answers a Request.
type Response struct {
	Stream  uint16 `msgpack:"stream"`
	Status  Status `msgpack:"status"`
	Code    Code   `msgpack:"code,omitempty"`
	Message string `msgpack:"message,omitempty"`
	Handle  uint32 `msgpack:"handle,omitempty"`
	Size    int64  `msgpack:"size,omitempty"`
	Data    []byte `msgpack:"data,omitempty"`
}

// OK builds a final success response for req.
func OK(req *Request) *Response {
	return &Response{Stream: req.Stream, Status: StatusOK}
}

// Errorf builds an error response for req.
func Errorf(req *Request, code Code, format string, args ...any) *Response {
	return &Response{
		Stream:  req.Stream,
		Status:  StatusError,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Final reports whether no more frames follow for this stream.
func (r *Response) Final() bool {
	return r.Status != StatusOKSoFar
}

// RequestReader decodes requests from a frame stream.
type RequestReader struct {
	frames *FrameReader
}

// NewRequestReader wraps r.
func NewRequestReader(fr *FrameReader) *RequestReader {
	return &RequestReader{frames: fr}
}

// ReadRequest returns the next request.
func (r *RequestReader) ReadRequest() (*Request, error) {
	var req Request
	if err := r.frames.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ResponseWriter encodes responses onto a frame stream.
type ResponseWriter struct {
	frames *FrameWriter
}

// NewResponseWriter wraps w.
func NewResponseWriter(fw *FrameWriter) *ResponseWriter {
	return &ResponseWriter{frames: fw}
}

// WriteResponse writes resp as one frame.
func (w *ResponseWriter) WriteResponse(resp *Response) error {
	return w.frames.Encode(resp)
}
