package sanitize

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// richTextPolicy allows a small curated subset of formatting tags while
// removing scripts, event handlers and unsafe URLs. Cached because policy
// construction is not cheap.
func richTextPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.UGCPolicy()
		p.AllowURLSchemes("http", "https", "mailto")
		p.AllowRelativeURLs(true)
		p.RequireParseableURLs(true)
		policy = p
	})
	return policy
}

// RichText cleans a long-form text value, preserving basic formatting.
// Applied on write and again on read so rows stored before a policy change
// still come back clean.
func RichText(s string) string {
	if strings.TrimSpace(s) == "" {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(richTextPolicy().Sanitize(s))
}
