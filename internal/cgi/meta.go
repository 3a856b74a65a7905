// Package cgi implements the CGI/1.1 gateway: meta-variable construction,
// process launch, full-duplex streaming with the child, response
// demultiplexing and lifecycle supervision. See RFC 3875.
package cgi

import (
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// GatewayInterface is the fixed GATEWAY_INTERFACE value.
const GatewayInterface = "CGI/1.1"

// RequiredMetaVariables are always present in a child environment, empty when unknown.
var RequiredMetaVariables = []string{
	"AUTH_TYPE",
	"CONTENT_LENGTH",
	"CONTENT_TYPE",
	"GATEWAY_INTERFACE",
	"PATH_INFO",
	"PATH_TRANSLATED",
	"QUERY_STRING",
	"REMOTE_ADDR",
	"REMOTE_HOST",
	"REQUEST_METHOD",
	"SCRIPT_NAME",
	"SERVER_NAME",
	"SERVER_PORT",
	"SERVER_PROTOCOL",
	"SERVER_SOFTWARE",
}

var (
	headerNewlineToSpace   = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")
	headerDashToUnderscore = strings.NewReplacer("-", "_")
)

// MetaVariables is an ordered set of CGI meta-variables.
// Values are always strings; a name set once keeps its original position.
type MetaVariables struct {
	names  []string
	values map[string]string
}

// NewMetaVariables returns a set holding every required variable, empty
// except GATEWAY_INTERFACE.
func NewMetaVariables() *MetaVariables {
	m := &MetaVariables{values: make(map[string]string, len(RequiredMetaVariables)+16)}
	for _, name := range RequiredMetaVariables {
		m.Set(name, "")
	}
	m.Set("GATEWAY_INTERFACE", GatewayInterface)
	return m
}

// Set assigns value to name, keeping insertion order for new names.
func (m *MetaVariables) Set(name, value string) {
	if _, ok := m.values[name]; !ok {
		m.names = append(m.names, name)
	}
	m.values[name] = value
}

// Get returns the value for name, or "" when it is not set.
func (m *MetaVariables) Get(name string) string {
	return m.values[name]
}

// Lookup returns the value for name and whether it is set.
func (m *MetaVariables) Lookup(name string) (string, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Names returns variable names in insertion order.
func (m *MetaVariables) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Len returns the number of variables.
func (m *MetaVariables) Len() int {
	return len(m.names)
}

// Environ renders the set as NAME=value pairs suitable for exec.Cmd.Env.
func (m *MetaVariables) Environ() []string {
	env := make([]string, 0, len(m.names))
	for _, name := range m.names {
		env = append(env, name+"="+m.values[name])
	}
	return env
}

// Script describes the resolved target of a request.
type Script struct {
	// Executable is the program spawned: an interpreter, or the script itself.
	Executable string
	// Args are passed to Executable.
	Args []string
	// Filename is the absolute path of the script file (SCRIPT_FILENAME).
	Filename string
	// Name is the URI path of the script (SCRIPT_NAME).
	Name string
	// PathInfo is the request path beyond Name.
	PathInfo string
	// PathTranslated is PathInfo resolved against the location root.
	PathTranslated string
	// DocumentRoot is the filesystem root of the matched location.
	DocumentRoot string
	// Dir is the child's working directory. Defaults to the script's directory.
	Dir string
}

// WorkingDir returns the directory the child runs in.
func (s Script) WorkingDir() string {
	if s.Dir != "" {
		return s.Dir
	}
	if s.Filename != "" {
		return filepath.Dir(s.Filename)
	}
	return filepath.Dir(s.Executable)
}

// ServerInfo is the static server metadata exported to scripts.
type ServerInfo struct {
	Name     string
	Port     string
	Software string
}

// BuildMetaVariables maps a request and its resolved script to the CGI
// meta-variable set. It has no side effects.
func BuildMetaVariables(r *http.Request, script Script, srv ServerInfo) *MetaVariables {
	m := NewMetaVariables()

	m.Set("REQUEST_METHOD", r.Method)
	m.Set("SERVER_PROTOCOL", r.Proto)
	m.Set("SERVER_SOFTWARE", srv.Software)
	m.Set("SCRIPT_NAME", script.Name)
	m.Set("PATH_INFO", script.PathInfo)
	m.Set("PATH_TRANSLATED", script.PathTranslated)
	m.Set("CONTENT_TYPE", r.Header.Get("Content-Type"))
	m.Set("CONTENT_LENGTH", contentLength(r))

	if r.URL != nil {
		m.Set("QUERY_STRING", r.URL.RawQuery)
	}
	m.Set("REQUEST_URI", requestURI(r))

	name, port := serverNameAndPort(r, srv)
	m.Set("SERVER_NAME", name)
	m.Set("SERVER_PORT", port)

	host, remotePort := splitRemoteAddr(r.RemoteAddr)
	m.Set("REMOTE_ADDR", host)
	m.Set("REMOTE_HOST", host)
	m.Set("REMOTE_PORT", remotePort)

	m.Set("SCRIPT_FILENAME", script.Filename)
	m.Set("DOCUMENT_ROOT", script.DocumentRoot)

	// php-cgi refuses to run without it when force-cgi-redirect is on.
	if strings.Contains(filepath.Base(script.Executable), "php-cgi") {
		m.Set("REDIRECT_STATUS", "200")
	}

	for _, hv := range headerVariables(r.Header, r.Host) {
		m.Set(hv.name, hv.value)
	}

	return m
}

// HeaderVariableName converts an HTTP header name to its HTTP_* meta-variable name.
func HeaderVariableName(header string) string {
	return "HTTP_" + strings.ToUpper(headerDashToUnderscore.Replace(header))
}

type headerVariable struct {
	name  string
	value string
}

// headerVariables merges header names case-insensitively and returns them
// sorted by variable name. Server-side requests carry Host outside the
// header map, so it is passed separately.
func headerVariables(h http.Header, host string) []headerVariable {
	merged := make(map[string][]string, len(h)+1)
	for key, values := range h {
		canonical := http.CanonicalHeaderKey(key)
		merged[canonical] = append(merged[canonical], values...)
	}
	if host != "" && len(merged["Host"]) == 0 {
		merged["Host"] = []string{host}
	}

	out := make([]headerVariable, 0, len(merged))
	for key, values := range merged {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "Content-Type", "Content-Length":
			// exported as CONTENT_TYPE / CONTENT_LENGTH
			continue
		case "Proxy":
			// httpoxy: HTTP_PROXY would be read as a proxy setting by many runtimes
			continue
		}

		sep := ", "
		if key == "Cookie" {
			sep = "; "
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(headerNewlineToSpace.Replace(v)))
		}
		out = append(out, headerVariable{
			name:  HeaderVariableName(key),
			value: strings.Join(cleaned, sep),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func contentLength(r *http.Request) string {
	if r.ContentLength > 0 {
		return strconv.FormatInt(r.ContentLength, 10)
	}
	if r.ContentLength == 0 && r.Header.Get("Content-Length") != "" {
		return "0"
	}
	return ""
}

func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	if r.URL != nil {
		return r.URL.RequestURI()
	}
	return ""
}

func serverNameAndPort(r *http.Request, srv ServerInfo) (string, string) {
	name, port := srv.Name, srv.Port

	if r.Host != "" {
		if h, p, err := net.SplitHostPort(r.Host); err == nil {
			name = h
			if port == "" {
				port = p
			}
		} else {
			name = r.Host
		}
	}

	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok && addr != nil {
		if _, p, err := net.SplitHostPort(addr.String()); err == nil {
			port = p
		}
	}

	if port == "" {
		if r.TLS != nil {
			port = "443"
		} else {
			port = "80"
		}
	}
	return name, port
}

func splitRemoteAddr(addr string) (string, string) {
	if addr == "" {
		return "", ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}
