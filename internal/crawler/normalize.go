package crawler

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// binaryExtensions are never fetched; they carry no indexable text.
var binaryExtensions = map[string]bool{
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".rar": true, ".7z": true,
	".exe": true, ".dmg": true, ".msi": true, ".apk": true, ".bin": true, ".iso": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".svg": true,
	".ico": true, ".bmp": true, ".tif": true, ".tiff": true, ".avif": true,
	".mp3": true, ".mp4": true, ".wav": true, ".avi": true, ".mov": true, ".webm": true, ".ogg": true,
	".css": true, ".js": true, ".json": true, ".xml": true, ".rss": true, ".atom": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true, ".csv": true,
}

// blockedSegments are path segments of auth and admin areas.
var blockedSegments = map[string]bool{
	"login": true, "logout": true, "signin": true, "sign-in": true, "signout": true, "sign-out": true,
	"signup": true, "sign-up": true, "register": true, "auth": true, "oauth": true, "sso": true,
	"admin": true, "administrator": true, "wp-admin": true, "wp-login.php": true,
	"account": true, "my-account": true, "password": true, "reset-password": true,
	"cart": true, "checkout": true,
}

// NormalizeURL canonicalizes u for the visited set: lowercase scheme and host,
// default ports dropped, fragment removed, query removed when stripQuery is set,
// empty path mapped to "/", trailing slash trimmed on other paths.
func NormalizeURL(u *url.URL, stripQuery bool) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if port := n.Port(); (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
		n.Host = n.Hostname()
	}
	n.Fragment = ""
	n.RawFragment = ""
	if stripQuery {
		n.RawQuery = ""
	}
	n.ForceQuery = false
	n.User = nil
	if n.Path == "" {
		n.Path = "/"
	} else if n.Path != "/" {
		n.Path = strings.TrimRight(n.Path, "/")
		if n.Path == "" {
			n.Path = "/"
		}
	}
	n.RawPath = ""
	return n.String()
}

// ParseSeed turns a domain or URL into the root URL of a crawl.
// A bare domain is assumed to be served over https.
func ParseSeed(domain string) (*url.URL, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", models.ErrInvalidInput)
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	u, err := url.Parse(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: parse domain: %v", models.ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", models.ErrInvalidInput, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", models.ErrInvalidInput, domain)
	}
	return u, nil
}

// RegistrableDomain returns the eTLD+1 of host. IP addresses and hosts the
// public suffix list cannot reduce are returned as-is.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// SameSite reports whether u belongs to the registrable domain site.
func SameSite(u *url.URL, site string) bool {
	return RegistrableDomain(u.Hostname()) == site
}

// AllowedLink reports whether a resolved link may enter the frontier.
func AllowedLink(u *url.URL, site string) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !SameSite(u, site) {
		return false
	}
	p := strings.ToLower(u.Path)
	if binaryExtensions[path.Ext(p)] {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if blockedSegments[seg] {
			return false
		}
	}
	return true
}
