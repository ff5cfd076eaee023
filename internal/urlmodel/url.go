// Package urlmodel implements the engine's URL value: an absolute URL
// decomposed into mutable named parts (scheme, authority, host
// sub-parts, path segments, query parameters, fragment) that
// re-serializes to a byte-stable canonical form when unmodified.
//
// The lower-level parsing is delegated to net/url; this package is the
// layer above it, exposing named-part accessors and the
// registrable-domain split.
package urlmodel

import (
	"net"
	"net/url"
	"strings"

	"github.com/urlclean/urlclean/internal/errs"
)

// QueryParam is a single (name, optional value) pair. A nil Value means
// the parameter has no "=" in the query string (a bare flag).
type QueryParam struct {
	Name  string
	Value *string
}

// Path is the ordered sequence of path segments, with explicit slash
// flags so re-serialization is byte-stable.
type Path struct {
	Segments      []string
	LeadingSlash  bool
	TrailingSlash bool
}

// Host is the authority's host, one of an IP literal, an opaque name
// (no recognized public suffix, e.g. "localhost"), or a registrable
// triple (subdomain, domain middle, suffix).
type Host struct {
	Raw       string // normalized: lowercased, trailing dot stripped
	IsIP      bool
	Subdomain string
	Middle    string
	Suffix    string
	HasSplit  bool // true when Subdomain/Middle/Suffix are populated
}

// NormalizedHost is Raw with one leading "www." elided.
func (h Host) NormalizedHost() string {
	return strings.TrimPrefix(h.Raw, "www.")
}

// RegDomain is Middle+"."+Suffix, or "" when the host has no split.
func (h Host) RegDomain() string {
	if !h.HasSplit {
		return ""
	}
	return h.Middle + "." + h.Suffix
}

// URL is the mutable, named-part URL value.
type URL struct {
	Scheme   string
	Username string
	Password string
	HasAuth  bool // true when a username (and maybe password) was present
	HasPass  bool
	Host     Host
	Port     string // empty means default/absent
	Path     Path
	Query    []QueryParam
	Fragment *string
}

// Parse parses and normalizes an absolute URL string: lowercases scheme
// and host, strips a trailing dot from the host, elides the default
// port, and canonicalizes percent-encoding. It never upgrades scheme
// (http->https is an engine action, not a parse-time normalization).
func Parse(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &errs.ParseError{Input: raw, Cause: err}
	}
	if !u.IsAbs() {
		return nil, &errs.ParseError{Input: raw, Cause: errNoScheme}
	}
	if u.Host == "" {
		return nil, &errs.ParseError{Input: raw, Cause: errNoHost}
	}

	res := &URL{Scheme: strings.ToLower(u.Scheme)}

	if u.User != nil {
		res.HasAuth = true
		res.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			res.HasPass = true
			res.Password = pw
		}
	}

	hostname := strings.ToLower(u.Hostname())
	hostname = strings.TrimSuffix(hostname, ".")
	res.Host = makeHost(hostname)

	res.Port = u.Port()
	if isDefaultPort(res.Scheme, res.Port) {
		res.Port = ""
	}

	res.Path = parsePath(u.EscapedPath())
	res.Query = parseQuery(u.RawQuery)

	if u.Fragment != "" || u.RawFragment != "" {
		f := u.Fragment
		res.Fragment = &f
	}

	return res, nil
}

func makeHost(hostname string) Host {
	h := Host{Raw: hostname}
	trimmed := strings.Trim(hostname, "[]")
	if ip := net.ParseIP(trimmed); ip != nil {
		h.IsIP = true
		return h
	}
	if sub, mid, suf, ok := RegistrableParts(hostname); ok {
		h.Subdomain, h.Middle, h.Suffix, h.HasSplit = sub, mid, suf, true
	}
	return h
}

var defaultPorts = map[string]string{
	"http": "80", "https": "443", "ftp": "21", "ws": "80", "wss": "443",
}

func isDefaultPort(scheme, port string) bool {
	return port != "" && defaultPorts[scheme] == port
}

func parsePath(escaped string) Path {
	if escaped == "" {
		// an authority-based URL with no path at all normalizes to "/",
		// same as every common URL library (e.g. "https://x.com" ==
		// "https://x.com/").
		return Path{LeadingSlash: true}
	}
	p := Path{LeadingSlash: strings.HasPrefix(escaped, "/")}
	trimmed := strings.Trim(escaped, "/")
	if trimmed == "" {
		p.TrailingSlash = escaped == "/" || (p.LeadingSlash && len(escaped) > 1 && strings.HasSuffix(escaped, "/"))
		return p
	}
	p.TrailingSlash = strings.HasSuffix(escaped, "/")
	for _, seg := range strings.Split(trimmed, "/") {
		unescaped, err := url.PathUnescape(seg)
		if err != nil {
			unescaped = seg
		}
		p.Segments = append(p.Segments, unescaped)
	}
	return p
}

func parseQuery(raw string) []QueryParam {
	if raw == "" {
		return nil
	}
	var res []QueryParam
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, hasValue := pair, "", false
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			name, value, hasValue = pair[:idx], pair[idx+1:], true
		}
		name = mustUnescape(name)
		qp := QueryParam{Name: name}
		if hasValue {
			v := mustUnescape(value)
			qp.Value = &v
		}
		res = append(res, qp)
	}
	return res
}

func mustUnescape(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

// String re-serializes the URL to its canonical form. Re-serializing a
// URL that has undergone no mutation yields a byte-stable result.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")

	if u.HasAuth {
		b.WriteString(url.User(u.Username).String())
		if u.HasPass {
			b.WriteString(":")
			b.WriteString(url.UserPassword("", u.Password).String()[1:])
		}
		b.WriteString("@")
	}

	b.WriteString(u.hostPort())
	b.WriteString(u.Path.String())

	if qs := u.queryString(); qs != "" {
		b.WriteString("?")
		b.WriteString(qs)
	}

	if u.Fragment != nil {
		b.WriteString("#")
		b.WriteString(escapeComponent(*u.Fragment))
	}

	return b.String()
}

func (u *URL) hostPort() string {
	host := u.Host.Raw
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]" // IPv6 literal
	}
	if u.Port == "" {
		return host
	}
	return host + ":" + u.Port
}

// String re-serializes a Path, honoring its slash flags.
func (p Path) String() string {
	var b strings.Builder
	if p.LeadingSlash {
		b.WriteString("/")
	}
	for i, seg := range p.Segments {
		if i > 0 {
			b.WriteString("/")
		}
		b.WriteString(escapeByAllowed(seg, "-._~!$&'()*+,;=:@"))
	}
	if p.TrailingSlash && len(p.Segments) > 0 {
		b.WriteString("/")
	}
	return b.String()
}

func (u *URL) queryString() string {
	if len(u.Query) == 0 {
		return ""
	}
	parts := make([]string, 0, len(u.Query))
	for _, qp := range u.Query {
		if qp.Value == nil {
			parts = append(parts, escapeComponent(qp.Name))
			continue
		}
		parts = append(parts, escapeComponent(qp.Name)+"="+escapeComponent(*qp.Value))
	}
	return strings.Join(parts, "&")
}

// escapeComponent percent-encodes s for use in a query component or
// fragment, leaving the characters RFC 3986 allows there untouched so
// an unmutated URL stays byte-stable across parse/serialize round
// trips. Structural bytes ("&", "=", "#", "%", "+") are always encoded.
func escapeComponent(s string) string {
	return escapeByAllowed(s, "-._~!$'()*,;:@/?")
}

// escapeByAllowed percent-encodes every byte of s that is neither
// alphanumeric nor in allowed.
func escapeByAllowed(s, allowed string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte(allowed, c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		}
	}
	return b.String()
}

// Clone returns a deep copy that shares no slices or pointers with u, so
// either can be mutated without affecting the other.
func (u *URL) Clone() *URL {
	cp := *u
	cp.Path.Segments = append([]string(nil), u.Path.Segments...)
	cp.Query = append([]QueryParam(nil), u.Query...)
	for i, qp := range cp.Query {
		if qp.Value != nil {
			v := *qp.Value
			cp.Query[i].Value = &v
		}
	}
	if u.Fragment != nil {
		f := *u.Fragment
		cp.Fragment = &f
	}
	return &cp
}

// resolveAbsolute resolves ref against u per RFC 3986, used by
// ExpandRedirect to make a Location header absolute against the current
// URL.
func (u *URL) resolveAbsolute(ref string) (string, error) {
	base, err := url.Parse(u.String())
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

// ResolveAbsolute is the exported form of resolveAbsolute. The
// redirect-expansion subsystem uses the package-level ResolveAbsolute
// below instead.
func (u *URL) ResolveAbsolute(ref string) (string, error) { return u.resolveAbsolute(ref) }

// ResolveAbsolute resolves ref against the raw base URL string per RFC
// 3986. Unlike the *URL method, this works directly on strings so the
// redirect-expansion subsystem can chain it across hops without
// reparsing each intermediate hop into a full URL.
func ResolveAbsolute(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(rel).String(), nil
}

var (
	errNoScheme = modelError("url has no scheme")
	errNoHost   = modelError("url has no host")
)

type modelError string

func (e modelError) Error() string { return string(e) }
