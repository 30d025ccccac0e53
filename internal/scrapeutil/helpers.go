// Package scrapeutil holds small link-shaping helpers used by the worker
// package.
package scrapeutil

import (
	"net/url"
	"strings"
)

// FilterLinks restricts a scraped page's outbound links to the same
// host as baseURL when sameDomainOnly is set, and caps the result at
// maxPerDocument entries when positive.
func FilterLinks(links []string, baseURL string, sameDomainOnly bool, maxPerDocument int) []string {
	if len(links) == 0 {
		return links
	}

	var baseHost string
	if sameDomainOnly {
		if u, err := url.Parse(baseURL); err == nil {
			baseHost = strings.ToLower(u.Hostname())
		} else {
			sameDomainOnly = false
		}
	}

	filtered := make([]string, 0, len(links))
	for _, link := range links {
		if link == "" {
			continue
		}
		if sameDomainOnly {
			lu, err := url.Parse(link)
			if err != nil {
				continue
			}
			if strings.ToLower(lu.Hostname()) != baseHost {
				continue
			}
		}
		filtered = append(filtered, link)
		if maxPerDocument > 0 && len(filtered) >= maxPerDocument {
			break
		}
	}

	return filtered
}
