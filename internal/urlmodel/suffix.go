package urlmodel

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RegistrableParts splits a normalized host into its subdomain,
// registrable-domain middle, and public suffix, using the embedded
// Public Suffix List. IP literal hosts have no registrable parts.
func RegistrableParts(host string) (subdomain, middle, suffix string, ok bool) {
	if host == "" {
		return "", "", "", false
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return "", "", "", false
	}

	suffix, _ = publicsuffix.PublicSuffix(host)
	if suffix == "" || suffix == host {
		// no recognized suffix, or the whole host is itself the suffix
		return "", "", "", false
	}

	etldPlusOne, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", "", "", false
	}

	middle = strings.TrimSuffix(etldPlusOne, "."+suffix)
	subdomain = strings.TrimSuffix(host, etldPlusOne)
	subdomain = strings.TrimSuffix(subdomain, ".")

	return subdomain, middle, suffix, true
}
