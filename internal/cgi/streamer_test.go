package cgi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
)

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestStreamBody_ExactBytes(t *testing.T) {
	payload := []byte("before\x00middle\x00\r\n\xffafter")
	dst := &closeRecorder{}

	n, err := StreamBody(dst, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("StreamBody() error = %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("n = %d, want %d", n, len(payload))
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Errorf("written = %q, want %q", dst.Bytes(), payload)
	}
	if !dst.closed {
		t.Error("stdin not closed after copy")
	}
}

func TestStreamBody_NoBody(t *testing.T) {
	for name, src := range map[string]io.Reader{"nil": nil, "NoBody": http.NoBody} {
		t.Run(name, func(t *testing.T) {
			dst := &closeRecorder{}
			n, err := StreamBody(dst, src)
			if err != nil || n != 0 {
				t.Errorf("StreamBody() = %d, %v; want 0, nil", n, err)
			}
			if !dst.closed {
				t.Error("stdin must be closed so the child sees EOF")
			}
		})
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestStreamBody_SourceError(t *testing.T) {
	srcErr := errors.New("client went away")
	dst := &closeRecorder{}

	_, err := StreamBody(dst, failingReader{srcErr})
	if !errors.Is(err, srcErr) {
		t.Fatalf("error = %v, want %v", err, srcErr)
	}
	if domain.IsKind(err, domain.ErrorKindBrokenPipe) {
		t.Error("a failing request body is not a broken pipe")
	}
	if !dst.closed {
		t.Error("stdin not closed")
	}
}

func TestStreamBody_BrokenPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	r.Close()

	_, err = StreamBody(w, strings.NewReader(strings.Repeat("x", 1<<20)))
	if !domain.IsKind(err, domain.ErrorKindBrokenPipe) {
		t.Fatalf("error = %v, want broken_pipe", err)
	}
}
