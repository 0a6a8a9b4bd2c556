package htmlutil

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const page = `<html>
<head><title>
  Product   Listing
</title></head>
<body>
  <ul class="products">
    <li><a href="/p/1">  Widget
      <b>Deluxe</b></a></li>
    <li><a href="https://cdn.example.com/p/2">Gadget</a></li>
    <li><a href="../p/3?ref=list#top">Gizmo</a></li>
    <li><a>No Link</a></li>
  </ul>
</body>
</html>`

func parse(t testing.TB) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestCleanText(t *testing.T) {
	testCases := []struct {
		input  string
		expect string
	}{
		{input: "  hello  ", expect: "hello"},
		{input: "a\n\n  b\tc", expect: "a b c"},
		{input: "zero\u200bwidth", expect: "zerowidth"},
		{input: "", expect: ""},
	}
	for _, test := range testCases {
		require.Equal(t, test.expect, CleanText(test.input))
	}
}

func TestTitle(t *testing.T) {
	require.Equal(t, "Product Listing", Title(parse(t)))
}

func TestGetAnchors(t *testing.T) {
	doc := parse(t)
	anchors := GetAnchors(context.Background(), doc.Find("ul.products a"))

	require.Equal(t, []Anchor{
		{Name: "Widget Deluxe", Href: "/p/1"},
		{Name: "Gadget", Href: "https://cdn.example.com/p/2"},
		{Name: "Gizmo", Href: "../p/3?ref=list#top"},
		{Name: "No Link", Href: ""},
	}, anchors)
}

func TestResolveAnchors(t *testing.T) {
	base, err := url.Parse("https://shop.example.com/catalog/index.html")
	require.NoError(t, err)

	doc := parse(t)
	anchors := ResolveAnchors(base, GetAnchors(context.Background(), doc.Find("ul.products a")))

	require.Equal(t, []Anchor{
		{Name: "Widget Deluxe", Href: "https://shop.example.com/p/1"},
		{Name: "Gadget", Href: "https://cdn.example.com/p/2"},
		{Name: "Gizmo", Href: "https://shop.example.com/p/3?ref=list#top"},
	}, anchors)
}
