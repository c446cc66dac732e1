package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxDocumentXML = 64 << 20

// extractDOCX reads word/document.xml and the title from docProps/core.xml.
func extractDOCX(data []byte) (*Result, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open docx: %v", ErrMalformedDocument, err)
	}

	body, err := readZipEntry(reader, "word/document.xml")
	if err != nil {
		return nil, err
	}
	text, err := parseDocumentXML(body)
	if err != nil {
		return nil, err
	}

	res := &Result{Text: text}
	if core, err := readZipEntry(reader, "docProps/core.xml"); err == nil {
		res.Title = parseCoreTitle(core)
	}
	return res, nil
}

func readZipEntry(reader *zip.Reader, name string) ([]byte, error) {
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrMalformedDocument, name, err)
		}
		defer rc.Close()

		content, err := io.ReadAll(io.LimitReader(rc, maxDocumentXML))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrMalformedDocument, name, err)
		}
		return content, nil
	}
	return nil, fmt.Errorf("%w: missing %s", ErrMalformedDocument, name)
}

// parseDocumentXML walks WordprocessingML tokens: w:t carries text, w:p ends a
// paragraph, w:tab and w:br map to whitespace.
func parseDocumentXML(content []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		buf    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: document.xml: %v", ErrMalformedDocument, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				buf.WriteByte(' ')
			case "br", "cr":
				buf.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				buf.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				buf.Write(t)
			}
		}
	}
	return buf.String(), nil
}

type coreProperties struct {
	Title string `xml:"title"`
}

func parseCoreTitle(content []byte) string {
	var props coreProperties
	if err := xml.Unmarshal(content, &props); err != nil {
		return ""
	}
	return strings.TrimSpace(props.Title)
}
