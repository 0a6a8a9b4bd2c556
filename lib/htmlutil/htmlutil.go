package htmlutil

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("ingestkit.lib.htmlutil")

// GetText concatenates every text node under `node`.
func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		getTextRecursive(child, buffer)
	}
}

type Anchor struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

// CleanText removes non-printable characters and collapses whitespace.
func CleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
	s = strings.TrimSpace(s)
	return innerWhitespace.ReplaceAllString(s, " ")
}

// GetAnchors collects the href and text of every node in `sel`, nodes with
// an unparsable href are skipped.
func GetAnchors(ctx context.Context, sel *goquery.Selection) []Anchor {
	_, span := tracer.Start(ctx, "GetAnchors")
	defer span.End()

	anchors := []Anchor{}
	for _, n := range sel.Nodes {
		href := ""
		for _, a := range n.Attr {
			if a.Key == "href" {
				href = a.Val
				break
			}
		}

		link, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "got error while parsing url")
			continue
		}

		name := CleanText(GetText(n))
		linkStr := link.String()
		anchors = append(anchors, Anchor{
			Name: name,
			Href: linkStr,
		})
		span.AddEvent("anchor", trace.WithAttributes(
			attribute.String("name", name),
			attribute.String("url", linkStr),
		))
	}

	return anchors
}

// ResolveAnchors returns copies of `anchors` whose hrefs are absolute
// relative to `base`, anchors with an empty href are dropped.
func ResolveAnchors(base *url.URL, anchors []Anchor) []Anchor {
	resolved := make([]Anchor, 0, len(anchors))
	for _, a := range anchors {
		if a.Href == "" {
			continue
		}
		ref, err := url.Parse(a.Href)
		if err != nil {
			continue
		}
		resolved = append(resolved, Anchor{
			Name: a.Name,
			Href: base.ResolveReference(ref).String(),
		})
	}
	return resolved
}

// Title returns the cleaned text of the document's <title>.
func Title(doc *goquery.Document) string {
	return CleanText(doc.Find("head title").First().Text())
}
