package markdown

import (
	"strings"
	"testing"
)

// TestConvert_BasicHeaders tests title and outline extraction.
func TestConvert_BasicHeaders(t *testing.T) {
	input := `# Getting Started

Introduction text here.

## Installation

Install steps here.

## Configuration

Config details here.
`

	doc, err := NewConverter().Convert([]byte(input))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if doc.Title != "Getting Started" {
		t.Errorf("Title: expected 'Getting Started', got %q", doc.Title)
	}

	expected := []string{
		"# Getting Started",
		"# Getting Started > ## Installation",
		"# Getting Started > ## Configuration",
	}
	if len(doc.Headings) != len(expected) {
		t.Fatalf("Expected %d headings, got %d", len(expected), len(doc.Headings))
	}
	for i, want := range expected {
		if doc.Headings[i] != want {
			t.Errorf("Heading %d: expected %q, got %q", i, want, doc.Headings[i])
		}
	}

	for _, want := range []string{"Introduction text here.", "Install steps here.", "Config details here."} {
		if !strings.Contains(doc.Text, want) {
			t.Errorf("Text missing %q", want)
		}
	}
	if strings.Contains(doc.Text, "#") {
		t.Errorf("Text should not contain heading markers: %q", doc.Text)
	}
}

// TestConvert_StripsMarkup tests that inline markup and raw HTML are removed.
func TestConvert_StripsMarkup(t *testing.T) {
	input := "Some **bold** and _italic_ text with a [link](https://example.com).\n\n" +
		"<div class=\"nav\">menu</div>\n\n" +
		"```go\nfunc main() {}\n```\n"

	doc, err := NewConverter().Convert([]byte(input))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if !strings.Contains(doc.Text, "Some bold and italic text with a link.") {
		t.Errorf("Inline markup not stripped: %q", doc.Text)
	}
	if strings.Contains(doc.Text, "menu") {
		t.Errorf("Raw HTML should be dropped: %q", doc.Text)
	}
	if !strings.Contains(doc.Text, "func main() {}") {
		t.Errorf("Code block content missing: %q", doc.Text)
	}
	if doc.Title != "" {
		t.Errorf("Expected empty title, got %q", doc.Title)
	}
}

// TestConvert_ParagraphBreaks tests that blocks stay separated.
func TestConvert_ParagraphBreaks(t *testing.T) {
	input := "First paragraph.\n\nSecond paragraph.\n"

	doc, err := NewConverter().Convert([]byte(input))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !strings.Contains(doc.Text, "First paragraph.\n\nSecond paragraph.") {
		t.Errorf("Expected blank line between paragraphs, got %q", doc.Text)
	}
}
