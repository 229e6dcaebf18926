// Package metadata parses token metadata documents and lists the resource
// URLs worth scanning.
package metadata

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// Format is the detected document format.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

// Candidate types, matching the resolver's resource kinds.
const (
	TypeImage     = "image"
	TypeAnimation = "animation"
	TypeOther     = "other"
)

// ErrInvalidJSON is returned when a document declared or detected as JSON
// does not decode to an object.
var ErrInvalidJSON = errors.New("metadata is not a JSON object")

// Candidate is a resource URL found in a document.
type Candidate struct {
	URL   string `json:"url"`
	Field string `json:"field"`
	Type  string `json:"type"`
}

// Document is a parsed metadata document.
type Document struct {
	Format      Format         `json:"format"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Candidates  []Candidate    `json:"candidates"`
}

// jsonFields lists top-level fields that may hold resource URLs, in the
// order candidates are reported.
var jsonFields = []struct {
	name string
	typ  string
}{
	{"image", TypeImage},
	{"image_url", TypeImage},
	{"imageUrl", TypeImage},
	{"animation_url", TypeAnimation},
	{"animationUrl", TypeAnimation},
	{"video", TypeAnimation},
	{"external_url", TypeOther},
	{"external_link", TypeOther},
	{"uri", TypeOther},
}

// Parse detects the format of text and extracts candidates. baseURL, when
// set, resolves relative links in HTML documents.
func Parse(text, contentType, baseURL string) (*Document, error) {
	switch detect(text, contentType) {
	case FormatJSON:
		return parseJSON(text)
	case FormatHTML:
		return parseHTML(text, baseURL)
	default:
		return &Document{Format: FormatText, Candidates: []Candidate{}}, nil
	}
}

func detect(text, contentType string) Format {
	ct := strings.ToLower(contentType)
	trimmed := strings.TrimSpace(text)

	switch {
	case strings.Contains(ct, "json"):
		return FormatJSON
	case strings.Contains(ct, "html"):
		return FormatHTML
	case strings.HasPrefix(trimmed, "{"):
		return FormatJSON
	case strings.HasPrefix(trimmed, "<"):
		return FormatHTML
	default:
		return FormatText
	}
}

func parseJSON(text string) (*Document, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil || fields == nil {
		return nil, ErrInvalidJSON
	}

	doc := &Document{
		Format:      FormatJSON,
		Name:        stringField(fields, "name"),
		Description: stringField(fields, "description"),
		Fields:      fields,
	}

	c := newCollector()
	for _, f := range jsonFields {
		c.add(stringField(fields, f.name), f.name, f.typ)
	}

	// properties.image / properties.files[] as used by Metaplex and similar
	if props, ok := fields["properties"].(map[string]any); ok {
		for _, f := range jsonFields {
			c.add(stringField(props, f.name), "properties."+f.name, f.typ)
		}
		if files, ok := props["files"].([]any); ok {
			for _, item := range files {
				file, ok := item.(map[string]any)
				if !ok {
					continue
				}
				c.add(stringField(file, "uri"), "properties.files", typeForMIME(stringField(file, "type")))
			}
		}
	}

	doc.Candidates = c.items
	return doc, nil
}

func parseHTML(text, baseURL string) (*Document, error) {
	gq, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, err
	}

	base, _ := url.Parse(baseURL)
	doc := &Document{
		Format:      FormatHTML,
		Name:        strings.TrimSpace(gq.Find("title").First().Text()),
		Description: metaContent(gq, "description"),
	}
	if doc.Name == "" {
		doc.Name = metaContent(gq, "og:title")
	}

	c := newCollector()
	resolve := func(ref string) string { return absolute(base, ref) }

	for _, m := range []struct{ name, typ string }{
		{"og:image", TypeImage},
		{"og:image:url", TypeImage},
		{"twitter:image", TypeImage},
		{"og:video", TypeAnimation},
		{"og:video:url", TypeAnimation},
	} {
		c.add(resolve(metaContent(gq, m.name)), m.name, m.typ)
	}

	gq.Find("img[src]").Each(func(i int, s *goquery.Selection) {
		c.add(resolve(s.AttrOr("src", "")), "img", TypeImage)
	})
	gq.Find("video[src], video source[src], audio[src], audio source[src]").Each(func(i int, s *goquery.Selection) {
		c.add(resolve(s.AttrOr("src", "")), "video", TypeAnimation)
	})

	log.Debug().
		Int("candidates", len(c.items)).
		Str("title", doc.Name).
		Msg("Extracted candidates from HTML metadata")

	doc.Candidates = c.items
	return doc, nil
}

func metaContent(gq *goquery.Document, name string) string {
	sel := gq.Find(`meta[property="` + name + `"], meta[name="` + name + `"]`).First()
	return strings.TrimSpace(sel.AttrOr("content", ""))
}

func absolute(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil || base.Host == "" {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	return base.ResolveReference(u).String()
}

func typeForMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	case strings.HasPrefix(mime, "video/"), strings.HasPrefix(mime, "audio/"), strings.HasPrefix(mime, "model/"):
		return TypeAnimation
	default:
		return TypeOther
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// collector keeps the first occurrence of each scannable URL.
type collector struct {
	seen  map[string]struct{}
	items []Candidate
}

func newCollector() *collector {
	return &collector{seen: make(map[string]struct{}), items: []Candidate{}}
}

func (c *collector) add(raw, field, typ string) {
	if !scannable(raw) {
		return
	}
	if _, dup := c.seen[raw]; dup {
		return
	}
	c.seen[raw] = struct{}{}
	c.items = append(c.items, Candidate{URL: raw, Field: field, Type: typ})
}

// scannable accepts absolute web and ipfs references. Inline data and
// relative paths cannot be submitted for scanning.
func scannable(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "ipfs://")
}
