package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"

	"github.com/legal-rag/backend/internal/ragerr"
)

// Parser turns raw file bytes into plain text.
type Parser interface {
	Parse(data []byte) (string, error)
}

type ParserFunc func(data []byte) (string, error)

func (f ParserFunc) Parse(data []byte) (string, error) {
	return f(data)
}

// Extractor dispatches uploads to a Parser by extension, then by declared MIME type.
type Extractor struct {
	byExt  map[string]Parser
	byMIME map[string]string
}

func NewExtractor() *Extractor {
	e := &Extractor{
		byExt:  make(map[string]Parser),
		byMIME: make(map[string]string),
	}

	e.Register(ParserFunc(parseText), ".txt", ".md")
	e.Register(ParserFunc(parsePDF), ".pdf")
	e.Register(ParserFunc(parseDOCX), ".docx")
	e.Register(ParserFunc(parseHTML), ".html", ".htm")

	e.byMIME["text/plain"] = ".txt"
	e.byMIME["text/markdown"] = ".md"
	e.byMIME["application/pdf"] = ".pdf"
	e.byMIME["application/vnd.openxmlformats-officedocument.wordprocessingml.document"] = ".docx"
	e.byMIME["text/html"] = ".html"

	return e
}

// Register binds a parser to one or more lower-case extensions, replacing earlier bindings.
func (e *Extractor) Register(p Parser, exts ...string) {
	for _, ext := range exts {
		e.byExt[strings.ToLower(ext)] = p
	}
}

func (e *Extractor) Supports(filename string) bool {
	_, ok := e.byExt[strings.ToLower(filepath.Ext(filename))]
	return ok
}

func (e *Extractor) SupportedExtensions() []string {
	exts := make([]string, 0, len(e.byExt))
	for ext := range e.byExt {
		exts = append(exts, ext)
	}
	return exts
}

func (e *Extractor) resolve(filename, contentType string) (Parser, bool) {
	if p, ok := e.byExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return p, true
	}
	if contentType == "" {
		return nil, false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, false
	}
	ext, ok := e.byMIME[mediaType]
	if !ok {
		return nil, false
	}
	return e.byExt[ext], true
}

// Extract returns the cleaned text of a file. Parser errors and panics are
// reported as CorruptFile; a result without visible characters as EmptyExtraction.
func (e *Extractor) Extract(filename, contentType string, data []byte) (text string, err error) {
	parser, ok := e.resolve(filename, contentType)
	if !ok {
		return "", &ragerr.Error{
			Kind:     ragerr.UnsupportedFormat,
			Op:       "extract",
			Filename: filename,
			Message:  fmt.Sprintf("extension %q, content type %q", filepath.Ext(filename), contentType),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &ragerr.Error{
				Kind:     ragerr.CorruptFile,
				Op:       "extract",
				Filename: filename,
				Err:      fmt.Errorf("parser panic: %v", r),
			}
		}
	}()

	raw, perr := parser.Parse(data)
	if perr != nil {
		return "", &ragerr.Error{Kind: ragerr.CorruptFile, Op: "extract", Filename: filename, Err: perr}
	}

	cleaned := CleanText(raw)
	if cleaned == "" {
		return "", &ragerr.Error{Kind: ragerr.EmptyExtraction, Op: "extract", Filename: filename}
	}
	return cleaned, nil
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	spaceAroundLF   = regexp.MustCompile(` *\n *`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// CleanText normalises line endings and whitespace but keeps paragraph breaks,
// which the chunker uses as preferred split points.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	s = horizontalSpace.ReplaceAllString(s, " ")
	s = spaceAroundLF.ReplaceAllString(s, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func parseText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	// Legacy Turkish legal texts are commonly Windows-1254, a superset of ISO-8859-9.
	decoded, err := charmap.Windows1254.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode windows-1254: %w", err)
	}
	return string(decoded), nil
}

func parsePDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&sb, "--- Page %d ---\n%s\n\n", i, text)
	}
	return sb.String(), nil
}

func parseDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx archive: %w", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return "", errors.New("word/document.xml not found")
	}

	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

func parseHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var sb strings.Builder
	doc.Find("title").First().Each(func(i int, s *goquery.Selection) {
		if title := strings.TrimSpace(s.Text()); title != "" {
			sb.WriteString(title)
			sb.WriteString("\n\n")
		}
	})

	blocks := doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, td, pre, blockquote")
	if blocks.Length() == 0 {
		sb.WriteString(doc.Find("body").Text())
		return sb.String(), nil
	}
	blocks.Each(func(i int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			sb.WriteString(t)
			sb.WriteString("\n\n")
		}
	})
	return sb.String(), nil
}
