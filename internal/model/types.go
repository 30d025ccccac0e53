package model

// Metadata is a trimmed version of Firecrawl's metadata block.
type Metadata struct {
	Title         string         `json:"title,omitempty"`
	Description   string         `json:"description,omitempty"`
	Language      string         `json:"language,omitempty"`
	Keywords      string         `json:"keywords,omitempty"`
	Robots        string         `json:"robots,omitempty"`
	OgTitle       string         `json:"ogTitle,omitempty"`
	OgDescription string         `json:"ogDescription,omitempty"`
	OgURL         string         `json:"ogUrl,omitempty"`
	OgImage       string         `json:"ogImage,omitempty"`
	OgLocaleAlt   []string       `json:"ogLocaleAlternate,omitempty"`
	OgSiteName    string         `json:"ogSiteName,omitempty"`
	SourceURL     string         `json:"sourceURL,omitempty"`
	StatusCode    int            `json:"statusCode"`
	Summary       string         `json:"summary,omitempty"`
	JSON          map[string]any `json:"json,omitempty"`
	Branding      map[string]any `json:"branding,omitempty"`
}

// LinkMetadata captures additional information about an outbound link.
type LinkMetadata struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
	Rel  string `json:"rel,omitempty"`
}

// Document is a reduced version of Firecrawl's Document type, produced by
// the worker and consumed by the dispatch/crawl components. Index and
// Provider are worker-internal bookkeeping fields (a document's position
// within a batch, and which scrape engine produced it); they are never
// part of the wire response and dispatch.StripInternalFields clears them
// explicitly before a Document is returned to a caller.
type Document struct {
	Markdown     string         `json:"markdown,omitempty"`
	HTML         string         `json:"html,omitempty"`
	RawHTML      string         `json:"rawHtml,omitempty"`
	Links        []string       `json:"links,omitempty"`
	LinkMetadata []LinkMetadata `json:"linkMetadata,omitempty"`
	Images       []string       `json:"images,omitempty"`
	Screenshot   string         `json:"screenshot,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	JSON         map[string]any `json:"json,omitempty"`
	Branding     map[string]any `json:"branding,omitempty"`
	Engine       string         `json:"engine,omitempty"`
	Extract      map[string]any `json:"extract,omitempty"`
	Metadata     Metadata       `json:"metadata"`

	Index    int    `json:"-"`
	Provider string `json:"-"`
}
