package gate

import (
	"path"
	"regexp"
	"strings"
)

var staticPrefixes = []string{
	"/static/",
	"/assets/",
	"/_next/",
	"/images/",
	"/fonts/",
}

var healthPaths = map[string]bool{
	"/health":      true,
	"/healthz":     true,
	"/readyz":      true,
	"/livez":       true,
	"/favicon.ico": true,
	"/robots.txt":  true,
}

var staticExtensions = map[string]bool{
	".css": true, ".js": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".ico": true, ".webp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// isStatic reports whether path is a static asset or health probe that the
// gate lets through without any checks. p must be canonical. Dotfile and
// backup probes are never static, whatever their extension.
func isStatic(p string) bool {
	if IsSensitivePath(p) {
		return false
	}
	if healthPaths[p] {
		return true
	}
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	if strings.HasPrefix(p, "/api/") {
		return false
	}
	return staticExtensions[strings.ToLower(path.Ext(p))]
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.(bak|backup|old|orig|save|swp|sql|dump|db|sqlite|tar|tgz|gz|zip|rar|7z|pem|key|p12|pfx|crt|cer|jks|kdbx)$`),
	regexp.MustCompile(`(?i)(^|/)(backups?|dumps?|db[-_]?dump|secrets?|private[-_]?keys?|id_rsa|id_ed25519|id_dsa|credentials?)(\.|/|$)`),
	regexp.MustCompile(`(?i)(^|/)(wp-config\.php|web\.config|config\.php|phpinfo\.php|server-status)$`),
	regexp.MustCompile(`~$`),
}

// IsSensitivePath reports whether p probes for dotfiles or backup, dump,
// key or secret material. /.well-known/ is allowed.
func IsSensitivePath(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if strings.HasPrefix(segment, ".") && segment != "." && segment != ".." && segment != ".well-known" {
			return true
		}
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}
