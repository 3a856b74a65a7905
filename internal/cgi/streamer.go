package cgi

import (
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"syscall"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
)

const copyBufferSize = 32 << 10

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// StreamBody copies src into the child's stdin byte for byte and closes dst
// whatever the outcome. Memory use is bounded by one copy buffer.
// A child that exits without reading yields a broken_pipe GatewayError.
func StreamBody(dst io.WriteCloser, src io.Reader) (int64, error) {
	defer dst.Close()

	if src == nil || src == http.NoBody {
		return 0, nil
	}

	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)

	w := &stdinWriter{w: dst}
	n, err := io.CopyBuffer(w, readerOnly{src}, *bufp)
	if err == nil {
		return n, nil
	}
	if w.err != nil && isBrokenPipe(w.err) {
		return n, domain.ErrBrokenPipe(w.err)
	}
	return n, err
}

// stdinWriter records the write-side error so it can be told apart from a
// failing request body.
type stdinWriter struct {
	w   io.Writer
	err error
}

func (s *stdinWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

// readerOnly hides WriterTo so CopyBuffer uses the pooled buffer.
type readerOnly struct {
	io.Reader
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.ErrClosedPipe)
}
