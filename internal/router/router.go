package router

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/cgi"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
)

// interpreterCacheSize bounds the PATH lookup cache.
const interpreterCacheSize = 64

// Location is a URL prefix served by scripts under Root.
type Location struct {
	Prefix           string
	Root             string
	Index            []string
	Extensions       map[string]string
	AllowExecutables bool

	realRoot string
}

// Router maps request paths to scripts and the program that runs them.
type Router struct {
	locations    []*Location
	interpreters *lru.Cache[string, string]
	lookPath     func(string) (string, error)
}

// New creates a router. Locations are matched longest prefix first.
func New(locations []config.LocationConfig) (*Router, error) {
	cache, err := lru.New[string, string](interpreterCacheSize)
	if err != nil {
		return nil, err
	}

	r := &Router{interpreters: cache, lookPath: exec.LookPath}
	for _, lc := range locations {
		root, err := filepath.Abs(lc.Root)
		if err != nil {
			return nil, err
		}
		real, err := filepath.EvalSymlinks(root)
		if err != nil {
			real = root
		}
		exts := make(map[string]string, len(lc.Extensions))
		for ext, interp := range lc.Extensions {
			exts[strings.ToLower(strings.TrimPrefix(ext, "."))] = interp
		}
		r.locations = append(r.locations, &Location{
			Prefix:           strings.TrimSuffix(lc.Prefix, "/"),
			Root:             root,
			Index:            lc.Index,
			Extensions:       exts,
			AllowExecutables: lc.AllowExecutables,
			realRoot:         real,
		})
	}
	sort.SliceStable(r.locations, func(i, j int) bool {
		return len(r.locations[i].Prefix) > len(r.locations[j].Prefix)
	})
	return r, nil
}

// Match returns the location serving urlPath.
func (r *Router) Match(urlPath string) (*Location, bool) {
	for _, loc := range r.locations {
		if loc.Prefix == "" || urlPath == loc.Prefix || strings.HasPrefix(urlPath, loc.Prefix+"/") {
			return loc, true
		}
	}
	return nil, false
}

// Resolve finds the script for urlPath. The first path segment that names
// a regular file is the script; the remainder becomes PATH_INFO.
func (r *Router) Resolve(urlPath string) (cgi.Script, error) {
	if !strings.HasPrefix(urlPath, "/") {
		return cgi.Script{}, domain.ErrNotFound("request path must be absolute").WithPath(urlPath)
	}
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == ".." {
			return cgi.Script{}, domain.ErrForbidden("path traversal").WithPath(urlPath)
		}
	}

	loc, ok := r.Match(urlPath)
	if !ok {
		return cgi.Script{}, domain.ErrNotFound("no location matches").WithPath(urlPath)
	}

	rest := strings.TrimPrefix(urlPath, loc.Prefix)
	segments := strings.Split(strings.Trim(rest, "/"), "/")

	var (
		scriptPath string // URL path below the prefix
		filename   string
		pathInfo   string
	)
	dir := loc.Root
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		candidate := filepath.Join(dir, seg)
		fi, err := os.Stat(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return cgi.Script{}, domain.ErrNotFound("script not found").WithPath(urlPath)
			}
			return cgi.Script{}, domain.NewGatewayError(domain.ErrorKindNotFound, "cannot stat script", err).WithPath(urlPath)
		}
		scriptPath += "/" + seg
		if fi.IsDir() {
			dir = candidate
			continue
		}
		if !fi.Mode().IsRegular() {
			return cgi.Script{}, domain.ErrForbidden("not a regular file").WithPath(urlPath)
		}
		filename = candidate
		if i+1 < len(segments) {
			pathInfo = "/" + strings.Join(segments[i+1:], "/")
		}
		if strings.HasSuffix(rest, "/") && pathInfo != "" {
			pathInfo += "/"
		}
		break
	}

	if filename == "" {
		index, ok := findIndex(dir, loc.Index)
		if !ok {
			return cgi.Script{}, domain.ErrNotFound("no index script").WithPath(urlPath)
		}
		filename = filepath.Join(dir, index)
		scriptPath += "/" + index
	}

	if !r.contained(loc, filename) {
		return cgi.Script{}, domain.ErrForbidden("script resolves outside its root").WithPath(urlPath)
	}

	script := cgi.Script{
		Filename:     filename,
		Name:         loc.Prefix + scriptPath,
		PathInfo:     pathInfo,
		DocumentRoot: loc.Root,
	}
	if pathInfo != "" {
		script.PathTranslated = filepath.Join(loc.Root, filepath.FromSlash(pathInfo))
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if interp, ok := loc.Extensions[ext]; ok && interp != "" {
		script.Executable = r.interpreter(interp)
		script.Args = []string{filename}
		return script, nil
	}
	if loc.AllowExecutables {
		script.Executable = filename
		return script, nil
	}
	return cgi.Script{}, domain.ErrForbidden("no interpreter for script").WithPath(filename)
}

func findIndex(dir string, names []string) (string, bool) {
	for _, name := range names {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err == nil && fi.Mode().IsRegular() {
			return name, true
		}
	}
	return "", false
}

// contained reports whether filename, after resolving symlinks, stays
// below the location root.
func (r *Router) contained(loc *Location, filename string) bool {
	real, err := filepath.EvalSymlinks(filename)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(loc.realRoot, real)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// interpreter resolves a bare interpreter name through PATH, caching hits.
// Misses are returned unchanged so the launch reports the spawn error.
func (r *Router) interpreter(name string) string {
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	if path, ok := r.interpreters.Get(name); ok {
		return path
	}
	path, err := r.lookPath(name)
	if err != nil {
		return name
	}
	r.interpreters.Add(name, path)
	return path
}

// Locations returns the configured locations, longest prefix first.
func (r *Router) Locations() []*Location {
	return r.locations
}
