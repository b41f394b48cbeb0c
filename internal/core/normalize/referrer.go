package normalize

import "strings"

// Referrer categories form a closed set. Anything that matches no rule
// is "other" — never an error.
const (
	ReferrerSearch   = "search"
	ReferrerSocial   = "social"
	ReferrerDirect   = "direct"
	ReferrerInternal = "internal"
	ReferrerOther    = "other"
)

var searchHosts = []string{"google", "bing", "duckduckgo", "yahoo", "baidu"}

var socialHosts = []string{"facebook", "twitter", "instagram", "linkedin", "reddit", "tiktok", "social"}

// CategorizeReferrer maps a raw referrer string into the closed category
// set. An empty referrer is direct traffic; the site's own domain is
// internal navigation.
func CategorizeReferrer(referrer, internalDomain string) string {
	ref := strings.ToLower(strings.TrimSpace(referrer))
	if ref == "" {
		return ReferrerDirect
	}
	if internalDomain != "" && strings.Contains(ref, strings.ToLower(internalDomain)) {
		return ReferrerInternal
	}
	for _, host := range searchHosts {
		if strings.Contains(ref, host) {
			return ReferrerSearch
		}
	}
	for _, host := range socialHosts {
		if strings.Contains(ref, host) {
			return ReferrerSocial
		}
	}
	return ReferrerOther
}
