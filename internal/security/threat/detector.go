// Package threat classifies request metadata into attack pattern families.
// Detection is pure: the same request always yields the same result.
package threat

import (
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/mssola/useragent"

	audit "vitalis/pkg/platform/audit"
)

// Request is the request metadata the detector inspects.
type Request struct {
	Method    string
	Path      string
	RawQuery  string
	UserAgent string
}

// Client is what the user agent parser could tell about the caller.
type Client struct {
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
	Bot     bool   `json:"bot"`
}

// Result is the detection outcome. Threats is sorted and free of duplicates.
type Result struct {
	Threats   []Category
	RiskLevel audit.RiskLevel
	Client    Client
}

// Detected reports whether any pattern family matched.
func (r Result) Detected() bool { return len(r.Threats) > 0 }

// Has reports whether c is among the matched categories.
func (r Result) Has(c Category) bool { return slices.Contains(r.Threats, c) }

// DefaultExemptPrefixes are the ingestion routes that report threats
// themselves. Scanning them would flag security reports as attacks.
var DefaultExemptPrefixes = []string{
	"/api/audit/events",
	"/api/security/events",
}

// Detector matches requests against the pattern families.
type Detector struct {
	exempt []string
}

type Option func(*Detector)

// WithExemptPrefixes replaces the default exempt prefixes.
func WithExemptPrefixes(prefixes ...string) Option {
	return func(d *Detector) {
		d.exempt = slices.Clone(prefixes)
	}
}

func New(opts ...Option) *Detector {
	d := &Detector{exempt: slices.Clone(DefaultExemptPrefixes)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Exempt reports whether p is never scanned. Paths with ".." segments are
// never exempt, whatever they resolve to.
func (d *Detector) Exempt(p string) bool {
	clean, traversal := CanonicalPath(p)
	if traversal {
		return false
	}
	for _, prefix := range d.exempt {
		if HasPathPrefix(clean, prefix) {
			return true
		}
	}
	return false
}

// CanonicalPath percent-decodes p up to twice and cleans the result.
// traversal reports whether the decoded path has a ".." segment, with
// either slash as separator. Prefix and extension decisions must be made
// on clean, never on the raw path.
func CanonicalPath(p string) (clean string, traversal bool) {
	decoded := decode(p, url.PathUnescape)
	for _, seg := range strings.FieldsFunc(decoded, isSeparator) {
		if seg == ".." {
			traversal = true
			break
		}
	}
	return path.Clean("/" + strings.ReplaceAll(decoded, `\`, "/")), traversal
}

// HasPathPrefix reports whether p equals prefix or lies below it. A prefix
// ending in '/' matches anything that starts with it.
func HasPathPrefix(p, prefix string) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || strings.HasSuffix(prefix, "/") || p[len(prefix)] == '/'
}

func isSeparator(r rune) bool { return r == '/' || r == '\\' }

// Detect scans path, query and user agent. Path and query are percent-decoded
// twice before matching so double-encoded payloads are caught.
func (d *Detector) Detect(req Request) Result {
	if d.Exempt(req.Path) {
		return Result{RiskLevel: audit.RiskLow}
	}

	path := decode(req.Path, url.PathUnescape)
	query := decode(req.RawQuery, url.QueryUnescape)
	target := path
	if query != "" {
		target += "?" + query
	}

	found := make(map[Category]bool)
	if matchAny(traversalPatterns, target) {
		found[CategoryTraversal] = true
	}
	if matchAny(xssPatterns, target) {
		found[CategoryXSS] = true
	}
	if matchAny(sqlInjectionPatterns, target) {
		found[CategorySQLInjection] = true
	}
	if matchAny(commandInjectionPatterns, target) {
		found[CategoryCommandInjection] = true
	}
	if matchAny(pathManipulationPatterns, target) {
		found[CategoryPathManipulation] = true
	}

	client := parseClient(req.UserAgent)
	if isScanner(req.UserAgent, client.Browser) {
		found[CategoryScanner] = true
	}

	threats := make([]Category, 0, len(found))
	for c := range found {
		threats = append(threats, c)
	}
	slices.Sort(threats)

	return Result{
		Threats:   threats,
		RiskLevel: riskFor(found),
		Client:    client,
	}
}

// riskFor aggregates matched categories into a risk tier.
func riskFor(found map[Category]bool) audit.RiskLevel {
	switch {
	case len(found) == 0:
		return audit.RiskLow
	case len(found) >= 3 || found[CategorySQLInjection] || found[CategoryCommandInjection]:
		return audit.RiskCritical
	case found[CategoryXSS] || found[CategoryTraversal]:
		return audit.RiskHigh
	default:
		return audit.RiskMedium
	}
}

// decode applies unescape up to twice, stopping at the first error.
func decode(s string, unescape func(string) (string, error)) string {
	for range 2 {
		next, err := unescape(s)
		if err != nil || next == s {
			break
		}
		s = next
	}
	return s
}

func parseClient(raw string) Client {
	if raw == "" {
		return Client{}
	}
	ua := useragent.New(raw)
	name, _ := ua.Browser()
	return Client{
		Browser: name,
		OS:      ua.OS(),
		Bot:     ua.Bot(),
	}
}

func isScanner(raw, browser string) bool {
	if raw == "" {
		return false
	}
	lowered := strings.ToLower(raw)
	product := strings.ToLower(browser)
	for _, s := range scannerAgents {
		if strings.Contains(lowered, s) || product == s {
			return true
		}
	}
	return false
}
