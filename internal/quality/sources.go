package quality

import (
	"regexp"
	"strings"
)

// Tier 1: premium financial, general and business press.
var tier1Domains = []string{
	"reuters.com", "bloomberg.com", "wsj.com", "ft.com", "economist.com",
	"finance.yahoo.com", "money.cnn.com", "marketwatch.com", "cnbc.com", "barrons.com",
	"investing.com", "morningstar.com",
	"apnews.com", "bbc.co.uk", "bbc.com", "nytimes.com", "washingtonpost.com",
	"theguardian.com", "latimes.com", "usatoday.com",
	"fortune.com", "inc.com", "fastcompany.com", "businessweek.com", "hbr.org",
	"mckinsey.com", "bcg.com", "bain.com",
	"axios.com", "theinformation.com", "protocol.com",
}

// Tier 2: tech and trade press, analyst firms, reputable industry blogs.
var tier2Domains = []string{
	"techcrunch.com", "theverge.com", "wired.com", "arstechnica.com", "venturebeat.com",
	"engadget.com", "gizmodo.com", "cnet.com", "zdnet.com", "techradar.com", "digitaltrends.com",
	"forbes.com", "businessinsider.com", "entrepreneur.com",
	"medium.com", "dev.to", "hackernoon.com", "infoq.com",
	"techrepublic.com", "computerworld.com", "informationweek.com",
	"adweek.com", "marketingdive.com", "retaildive.com", "industrydive.com",
	"mobihealthnews.com", "fiercehealthcare.com", "healthcaredive.com",
	"saastr.com", "saasmetrics.co", "chargebee.com/blog", "stripe.com/blog",
	"productboard.com/blog", "intercom.com/blog", "segment.com/blog",
	"gartner.com", "forrester.com", "idc.com", "451research.com",
	"cbinsights.com", "pitchbook.com", "crunchbase.com",
}

// Tier 3: official company domains, corporate page paths and press-release wires.
var tier3Patterns = []string{
	"nvidia.com", "openai.com", "anthropic.com", "microsoft.com", "apple.com",
	"google.com", "amazon.com", "meta.com", "salesforce.com", "oracle.com",
	"ibm.com", "adobe.com", "sap.com", "servicenow.com", "workday.com", "zoom.us",
	"aws.amazon.com", "azure.microsoft.com", "cloud.google.com", "digitalocean.com",
	"cloudflare.com", "fastly.com",
	"hubspot.com", "zendesk.com", "atlassian.com", "slack.com", "notion.so",
	"asana.com", "monday.com", "clickup.com", "airtable.com", "smartsheet.com",
	"/news", "/newsroom", "/press", "/press-release", "/blog",
	"/about", "/company", "/investors", "/media",
	"businesswire.com", "prnewswire.com", "globenewswire.com",
	"accesswire.com", "marketwired.com",
}

var urlPattern = regexp.MustCompile(`https?://[^\s)\]]+`)

// sourceMatcher counts how many entries of a tier occur in a text. Each entry
// counts at most once. Domain entries must start at a host boundary so that
// "ft.com" does not match inside "microsoft.com"; path entries ("/news")
// match anywhere.
type sourceMatcher struct {
	patterns []*regexp.Regexp
}

func newSourceMatcher(entries []string) *sourceMatcher {
	m := &sourceMatcher{patterns: make([]*regexp.Regexp, 0, len(entries))}
	for _, e := range entries {
		expr := regexp.QuoteMeta(strings.ToLower(e))
		if !strings.HasPrefix(e, "/") {
			expr = `(?:^|[^a-z0-9-])` + expr
		}
		m.patterns = append(m.patterns, regexp.MustCompile(expr))
	}
	return m
}

func (m *sourceMatcher) count(lower string) int {
	n := 0
	for _, p := range m.patterns {
		if p.MatchString(lower) {
			n++
		}
	}
	return n
}

var (
	tier1Matcher = newSourceMatcher(tier1Domains)
	tier2Matcher = newSourceMatcher(tier2Domains)
	tier3Matcher = newSourceMatcher(tier3Patterns)
)
