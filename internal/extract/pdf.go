package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrPDFToolNotFound indicates pdftotext is not installed.
var ErrPDFToolNotFound = errors.New("pdftotext not found: install poppler-utils")

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// PDFExtractor shells out to pdftotext.
type PDFExtractor struct {
	runner CommandRunner
}

// NewPDFExtractor creates a PDF extractor. A nil runner executes pdftotext on the host.
func NewPDFExtractor(runner CommandRunner) *PDFExtractor {
	if runner == nil {
		runner = execRunner{}
	}
	return &PDFExtractor{runner: runner}
}

// Extract writes data to a temporary file and reads back the text.
// Pages are separated by form feeds in pdftotext output.
func (p *PDFExtractor) Extract(ctx context.Context, data []byte) (*Result, error) {
	if !strings.HasPrefix(string(data[:min(len(data), 5)]), "%PDF-") {
		return nil, fmt.Errorf("%w: missing PDF header", ErrMalformedDocument)
	}

	tmp, err := os.CreateTemp("", "ragdesk-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	out, err := p.runner.Run(ctx, "pdftotext", "-enc", "UTF-8", tmp.Name(), "-")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrPDFToolNotFound
		}
		return nil, fmt.Errorf("pdftotext: %w", err)
	}

	text := string(out)
	pages := strings.Count(text, "\f")
	if pages == 0 && strings.TrimSpace(text) != "" {
		pages = 1
	}
	return &Result{
		Text:      strings.ReplaceAll(text, "\f", "\n\n"),
		PageCount: pages,
	}, nil
}
