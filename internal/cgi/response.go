package cgi

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
)

// DefaultMaxHeaderBytes bounds the CGI header block.
const DefaultMaxHeaderBytes = 64 << 10

// ResponseKind classifies a CGI response (RFC 3875 section 6.2).
type ResponseKind int

const (
	DocumentResponse ResponseKind = iota
	LocalRedirect
	ClientRedirect
	ClientRedirectWithDocument
)

func (k ResponseKind) String() string {
	switch k {
	case LocalRedirect:
		return "local_redirect"
	case ClientRedirect:
		return "client_redirect"
	case ClientRedirectWithDocument:
		return "client_redirect_with_document"
	default:
		return "document"
	}
}

// HeaderField is one header line emitted by the child.
type HeaderField struct {
	Name  string
	Value string
}

// Response is the demultiplexed output of a child process.
type Response struct {
	StatusCode int
	Reason     string
	Kind       ResponseKind

	// Header holds every header except Status, in emission order.
	Header []HeaderField

	// Body yields the bytes after the header boundary, unmodified.
	Body io.Reader

	hasStatus bool
}

// Get returns the first value for name, matched case-insensitively.
func (r *Response) Get(name string) string {
	for _, f := range r.Header {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name in emission order.
func (r *Response) Values(name string) []string {
	var out []string
	for _, f := range r.Header {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// StatusLine returns "<code> <reason>".
func (r *Response) StatusLine() string {
	return strconv.Itoa(r.StatusCode) + " " + r.Reason
}

// ExplicitStatus reports whether the child sent a Status header.
func (r *Response) ExplicitStatus() bool {
	return r.hasStatus
}

// ReadResponse reads the header block from stdout and returns a Response
// whose Body streams the remainder. Either "\r\n" or bare "\n" line endings
// are accepted.
func ReadResponse(stdout io.Reader, maxHeaderBytes int) (*Response, error) {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}

	br := bufio.NewReaderSize(stdout, 4096)
	var captured bytes.Buffer
	resp := &Response{}

	for {
		line, err := readHeaderLine(br, &captured, maxHeaderBytes)
		if err != nil {
			if errors.Is(err, errHeaderTooLarge) {
				return nil, domain.ErrMalformedOutput("header block too large", captured.Bytes())
			}
			if errors.Is(err, io.EOF) {
				return nil, domain.ErrMalformedOutput("no header boundary before end of output", captured.Bytes())
			}
			return nil, err
		}

		if line == "" {
			break
		}

		name, value, perr := parseHeaderLine(line)
		if perr != nil {
			return nil, domain.ErrMalformedOutput(perr.Error(), captured.Bytes())
		}

		if strings.EqualFold(name, "Status") {
			if resp.hasStatus {
				continue
			}
			code, reason, serr := parseStatus(value)
			if serr != nil {
				return nil, domain.ErrMalformedOutput(serr.Error(), captured.Bytes())
			}
			resp.StatusCode, resp.Reason, resp.hasStatus = code, reason, true
			continue
		}

		resp.Header = append(resp.Header, HeaderField{Name: name, Value: value})
	}

	resp.Kind = classify(resp)
	if !resp.hasStatus {
		if resp.Get("Location") != "" {
			resp.StatusCode = http.StatusFound
		} else {
			resp.StatusCode = http.StatusOK
		}
		resp.Reason = http.StatusText(resp.StatusCode)
	}
	resp.Body = br
	return resp, nil
}

var errHeaderTooLarge = errors.New("header block too large")

// readHeaderLine returns one line without its terminator. A partial final
// line at EOF is reported as io.EOF.
func readHeaderLine(br *bufio.Reader, captured *bytes.Buffer, limit int) (string, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		captured.Write(chunk)
		line = append(line, chunk...)
		if captured.Len() > limit {
			return "", errHeaderTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", err
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), nil
}

func parseHeaderLine(line string) (string, string, error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", errors.New("invalid header line: missing colon")
	}
	name := strings.Trim(line[:idx], " \t")
	if name == "" {
		return "", "", errors.New("invalid header line: empty name")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c >= 0x7f {
			return "", "", errors.New("invalid header name")
		}
	}
	return name, strings.Trim(line[idx+1:], " \t"), nil
}

// parseStatus accepts "NNN" or "NNN reason".
func parseStatus(v string) (int, string, error) {
	if len(v) < 3 {
		return 0, "", errors.New("invalid Status header: " + strconv.Quote(v))
	}
	code, err := strconv.Atoi(v[:3])
	if err != nil || code < 100 || code > 999 {
		return 0, "", errors.New("invalid Status header: " + strconv.Quote(v))
	}
	rest := v[3:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, "", errors.New("invalid Status header: " + strconv.Quote(v))
	}
	reason := strings.TrimSpace(rest)
	if reason == "" {
		reason = http.StatusText(code)
	}
	return code, reason, nil
}

func classify(resp *Response) ResponseKind {
	loc := resp.Get("Location")
	if loc == "" {
		return DocumentResponse
	}
	if !resp.hasStatus && strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, "//") {
		return LocalRedirect
	}
	if resp.Get("Content-Type") != "" {
		return ClientRedirectWithDocument
	}
	return ClientRedirect
}
