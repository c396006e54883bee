package media

import (
	"fmt"
	"net/url"
	"strings"
)

// SiteList is the allow-list of media hosting domains. A link matches when its
// host ends with one of the configured entries, with no dot boundary.
type SiteList struct {
	suffixes []string
}

func NewSiteList(domains []string) *SiteList {
	l := &SiteList{}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		l.suffixes = append(l.suffixes, d)
	}
	return l
}

// ParseSiteList splits a ';' separated domain list, the MEDIA_SITE_DOMAINS format.
func ParseSiteList(s string) *SiteList {
	return NewSiteList(strings.Split(s, ";"))
}

func (l *SiteList) Domains() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.suffixes...)
}

// Match reports whether rawURL points at a listed media site.
func (l *SiteList) Match(rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("failed to parse link url: %w", err)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false, fmt.Errorf("link url %q has no host", rawURL)
	}

	if l == nil {
		return false, nil
	}

	for _, site := range l.suffixes {
		if strings.HasSuffix(host, site) {
			return true, nil
		}
	}
	return false, nil
}
