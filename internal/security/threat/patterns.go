package threat

import "regexp"

// Category is a family of request-level attack patterns.
type Category string

const (
	CategoryTraversal        Category = "directory_traversal"
	CategoryXSS              Category = "xss"
	CategorySQLInjection     Category = "sql_injection"
	CategoryCommandInjection Category = "command_injection"
	CategoryPathManipulation Category = "path_manipulation"
	CategoryScanner          Category = "scanner_user_agent"
)

// SQL injection requires a keyword together with the clause it belongs to.
// Bare keywords like "select" or a lone apostrophe never match.
var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`),
	regexp.MustCompile(`(?i)\b(or|and)\s+'[^']*'\s*=\s*'`),
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter|insert|update)\b`),
	regexp.MustCompile(`(?i)\b(drop|truncate|alter)\s+(table|database|schema)\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)'\s*(--|#|/\*)`),
	regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(\s*\d+`),
	regexp.MustCompile(`(?i)\bwaitfor\s+delay\b`),
	regexp.MustCompile(`(?i)\bxp_cmdshell\b`),
}

// Command injection looks for a shell separator followed by a command. A
// single '&' separates query parameters and is deliberately not a separator.
var commandInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(;|\|\||&&|\|)\s*(cat|ls|pwd|whoami|id|uname|curl|wget|nc|ncat|bash|sh|zsh|python|perl|ruby|php|rm|chmod|ping)\b`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`\$\([^)]+\)`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon(load|error|click|dblclick|mouseover|mouseenter|focus|blur|submit|change|input|keydown|keyup|toggle|animationstart)\s*=`),
	regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b`),
}

var traversalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.[/\\]`),
	regexp.MustCompile(`[/\\]\.\.$`),
}

var pathManipulationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/etc/(passwd|shadow|hosts|group)\b`),
	regexp.MustCompile(`(?i)[/\\]windows[/\\]system32\b`),
	regexp.MustCompile(`(?i)/proc/self/`),
	regexp.MustCompile(`(?i)\bboot\.ini\b`),
}

// scannerAgents are lower-case product tokens of known vulnerability scanners.
var scannerAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"acunetix",
	"nessus",
	"openvas",
	"w3af",
	"dirbuster",
	"gobuster",
	"wpscan",
	"zgrab",
	"nuclei",
	"havij",
	"burpcollaborator",
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
