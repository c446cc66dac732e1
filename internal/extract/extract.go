// Package extract turns uploaded files and fetched pages into normalised plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/markdown"
)

// Content types understood by the extractor.
const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
	TypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Minimum extracted length, in runes.
const (
	MinFileChars = 50
	MinPageChars = 100
)

var (
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrExtractionTooShort = errors.New("extracted text too short")
	ErrMalformedDocument  = errors.New("malformed document")
)

// Result is the outcome of a successful extraction.
type Result struct {
	Text        string
	Title       string
	ContentType string
	PageCount   int
}

// Extractor dispatches on content type.
type Extractor struct {
	pdf      *PDFExtractor
	markdown *markdown.Converter
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithPDFExtractor replaces the pdftotext-backed PDF extractor.
func WithPDFExtractor(p *PDFExtractor) Option {
	return func(e *Extractor) {
		if p != nil {
			e.pdf = p
		}
	}
}

func New(opts ...Option) *Extractor {
	e := &Extractor{
		pdf:      NewPDFExtractor(nil),
		markdown: markdown.NewConverter(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractFile extracts text from an uploaded file. The declared content type
// wins; the file extension is used when it is missing or generic.
func (e *Extractor) ExtractFile(ctx context.Context, name, contentType string, data []byte) (*Result, error) {
	ct := ResolveContentType(name, contentType)
	res, err := e.extract(ctx, ct, name, data)
	if err != nil {
		return nil, err
	}
	return res, checkFloor(res, MinFileChars)
}

// ExtractPage extracts text from a fetched web page.
func (e *Extractor) ExtractPage(ctx context.Context, url, contentType string, body []byte) (*Result, error) {
	ct := ResolveContentType(url, contentType)
	if ct == "" {
		// Servers that omit Content-Type are nearly always serving HTML.
		ct = TypeHTML
	}
	switch ct {
	case TypeHTML, TypeMarkdown, TypePlain:
	default:
		return nil, unsupported(ct)
	}
	res, err := e.extract(ctx, ct, url, body)
	if err != nil {
		return nil, err
	}
	return res, checkFloor(res, MinPageChars)
}

func (e *Extractor) extract(ctx context.Context, ct, name string, data []byte) (*Result, error) {
	var (
		res *Result
		err error
	)
	switch ct {
	case TypePlain:
		res = &Result{Text: string(data)}
	case TypeMarkdown:
		doc, convErr := e.markdown.Convert(data)
		if convErr != nil {
			return nil, failure(fmt.Errorf("%w: %v", ErrMalformedDocument, convErr))
		}
		res = &Result{Text: doc.Text, Title: doc.Title}
	case TypeHTML:
		res, err = extractHTML(data)
	case TypeDOCX:
		res, err = extractDOCX(data)
	case TypePDF:
		res, err = e.pdf.Extract(ctx, data)
	default:
		return nil, unsupported(ct)
	}
	if err != nil {
		return nil, failure(err)
	}

	if !utf8.ValidString(res.Text) {
		res.Text = strings.ToValidUTF8(res.Text, "")
	}
	res.Text = Normalize(res.Text)
	res.ContentType = ct
	if res.Title == "" {
		res.Title = titleFromName(name)
	}
	return res, nil
}

// ResolveContentType maps a declared media type or a file name to one of the
// supported content types. It returns the bare declared type when nothing matches.
func ResolveContentType(name, declared string) string {
	if declared != "" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
			declared = mediaType
		}
		declared = strings.ToLower(declared)
		switch declared {
		case TypePlain, TypeMarkdown, TypeHTML, TypePDF, TypeDOCX:
			return declared
		case "text/x-markdown":
			return TypeMarkdown
		case "application/xhtml+xml":
			return TypeHTML
		case "application/octet-stream", "binary/octet-stream":
			// fall through to the extension
		default:
			if ext := byExtension(name); ext != "" && strings.HasPrefix(declared, "text/") {
				return ext
			}
			return declared
		}
	}
	return byExtension(name)
}

func byExtension(name string) string {
	// Drop query strings from URLs.
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".text":
		return TypePlain
	case ".md", ".markdown":
		return TypeMarkdown
	case ".html", ".htm":
		return TypeHTML
	case ".pdf":
		return TypePDF
	case ".docx":
		return TypeDOCX
	}
	return ""
}

// Normalize collapses runs of whitespace inside lines and keeps at most one
// blank line between paragraphs.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func checkFloor(res *Result, floor int) error {
	if n := utf8.RuneCountInString(res.Text); n < floor {
		return apperr.Wrap(
			fmt.Errorf("%w: %d characters, need at least %d", ErrExtractionTooShort, n, floor),
			apperr.CategoryExtraction, apperr.CodeExtractionTooShort,
			"The document contains too little readable text to build knowledge from.", false)
	}
	return nil
}

func unsupported(ct string) error {
	if ct == "" {
		ct = "unknown"
	}
	return apperr.Wrap(fmt.Errorf("%w: %s", ErrUnsupportedFormat, ct),
		apperr.CategoryValidation, apperr.CodeUnsupportedFormat,
		"Upload a PDF, DOCX, Markdown, HTML or plain text file.", false)
}

func failure(err error) error {
	var classified interface{ Category() apperr.Category }
	if errors.As(err, &classified) {
		return err
	}
	return apperr.Wrap(err, apperr.CategoryExtraction, "extraction_failed",
		"The document could not be read. Check that it is not corrupted or password protected.", false)
}

// titleFromName derives a readable title from a file name or URL path.
func titleFromName(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	base := filepath.Base(strings.TrimRight(name, "/"))
	if base == "." || base == "/" {
		return ""
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.ReplaceAll(base, "-", " ")
	return base
}
