package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// Document is the plain-text rendering of a markdown source.
type Document struct {
	Title    string   // First heading, empty when the document has none
	Headings []string // Heading outline: "# Doc Title > ## Section Name"
	Text     string   // Body text, blocks separated by blank lines
}

// Converter renders markdown to plain text for indexing.
type Converter struct {
	parser goldmark.Markdown
}

// NewConverter creates a converter configured with goldmark parser.
func NewConverter() *Converter {
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Converter{
		parser: md,
	}
}

// Convert parses source and returns its text, title and heading outline.
func (c *Converter) Convert(source []byte) (*Document, error) {
	reader := text.NewReader(source)
	doc := c.parser.Parser().Parse(reader)

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(3),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	out := &Document{Text: renderText(doc, source)}
	collectHeadings(tree.Items, nil, &out.Headings)
	if len(tree.Items) > 0 {
		out.Title = string(tree.Items[0].Title)
	}
	return out, nil
}

// collectHeadings flattens the TOC into header paths.
func collectHeadings(items toc.Items, ancestors []string, out *[]string) {
	for _, item := range items {
		current := append(append([]string(nil), ancestors...), string(item.Title))
		*out = append(*out, formatHeaderPath(current))
		if len(item.Items) > 0 {
			collectHeadings(item.Items, current, out)
		}
	}
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Installation", "Prerequisites"] -> "# Installation > ## Prerequisites"
func formatHeaderPath(path []string) string {
	if len(path) == 0 {
		return ""
	}

	var parts []string
	for i, segment := range path {
		prefix := strings.Repeat("#", i+1)
		parts = append(parts, fmt.Sprintf("%s %s", prefix, segment))
	}

	return strings.Join(parts, " > ")
}

// renderText walks the AST and writes the visible text. Raw HTML is dropped.
func renderText(doc ast.Node, source []byte) string {
	var buf bytes.Buffer

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(source))
				switch {
				case node.HardLineBreak():
					buf.WriteByte('\n')
				case node.SoftLineBreak():
					buf.WriteByte(' ')
				}
			}
			return ast.WalkContinue, nil
		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}
			return ast.WalkContinue, nil
		case *ast.AutoLink:
			if entering {
				buf.Write(node.URL(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					buf.Write(seg.Value(source))
				}
				buf.WriteString("\n\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}

		if !entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
			buf.WriteString("\n\n")
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}
