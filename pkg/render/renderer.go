package render

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Renderer rasterizes an HTML document to PDF bytes.
type Renderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, html string) ([]byte, error)

func (f RendererFunc) RenderPDF(ctx context.Context, html string) ([]byte, error) { return f(ctx, html) }

// ErrInvalidHTML is returned for bodies that do not look like a document.
var ErrInvalidHTML = errors.New("render: html body has no renderable content")

// ValidateHTML parses body and requires at least one element or text node
// under <body>. The parser is lenient, so this only rejects empty input and
// stray fragments such as a bare comment.
func ValidateHTML(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrInvalidHTML
	}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("render: parse html: %w", err)
	}
	if !hasContent(findBody(doc)) {
		return ErrInvalidHTML
	}
	return nil
}

func findBody(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func hasContent(n *html.Node) bool {
	if n == nil {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			return true
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return true
			}
		}
	}
	return false
}
