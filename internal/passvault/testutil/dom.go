package testutil

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

// ParseHTML parses the provided HTML payload into a goquery document for assertions.
func ParseHTML(t testing.TB, body []byte) *goquery.Document {
	t.Helper()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

// ReadDocument drains and closes resp.Body and parses it as HTML.
func ReadDocument(t testing.TB, resp *http.Response) *goquery.Document {
	t.Helper()

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return ParseHTML(t, body)
}

// CSRFToken returns the token embedded in the first form of doc.
func CSRFToken(t testing.TB, doc *goquery.Document) string {
	t.Helper()

	token, ok := doc.Find("input[name=csrf_token]").First().Attr("value")
	if !ok || token == "" {
		t.Fatalf("csrf token not found in document")
	}
	return token
}
