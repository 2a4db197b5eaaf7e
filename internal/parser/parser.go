package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-enry/go-enry/v2"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"rag-gateway/internal/models"
)

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// Parse extracts the text of an uploaded file. The format is chosen from the
// filename extension; anything unknown is read as UTF-8 text.
func Parse(filename string, data []byte) (*models.Document, error) {
	doc := &models.Document{
		Filename: filename,
		Data:     data,
	}

	var (
		text string
		err  error
	)
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		text, err = parsePDF(data)
	case ".docx":
		text, err = parseDOCX(data)
	case ".pptx":
		text, err = parsePPTX(data)
	case ".xlsx":
		text, err = parseXLSX(data)
	case ".xlsm", ".xltx", ".xltm":
		text, err = parseExcelize(data)
	case ".md", ".markdown":
		if err = checkText(data); err == nil {
			text, err = markdownToText(data)
		}
		doc.Language = enry.GetLanguage(filename, data)
	default:
		if err = checkText(data); err == nil {
			text = string(data)
		}
		doc.Language = enry.GetLanguage(filename, data)
	}
	if err != nil {
		log.Debug().Err(err).Str("filename", filename).Msg("Failed to parse document")
		return nil, fmt.Errorf("%w: %s: %v", models.ErrParse, filename, err)
	}

	doc.Text = text
	return doc, nil
}

// ParseFile reads a document from disk and parses it
func ParseFile(filePath string) (*models.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return Parse(filepath.Base(filePath), data)
}

func checkText(data []byte) error {
	if enry.IsBinary(data) {
		return fmt.Errorf("binary content is not supported")
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("content is not valid UTF-8")
	}
	return nil
}

func parsePDF(data []byte) (text string, err error) {
	// the pdf reader panics on some malformed cross reference tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(pageText)
	}
	return b.String(), nil
}

func parseDOCX(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	defer r.Close()

	return extractTextFromXML(r.Editable().GetContent())
}

func parsePPTX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: n, file: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var parts []string
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			return "", err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		slideText, err := extractTextFromXML(string(content))
		if err != nil {
			return "", fmt.Errorf("slide %d: %w", s.num, err)
		}
		if strings.TrimSpace(slideText) != "" {
			parts = append(parts, slideText)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func parseXLSX(data []byte) (string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, sheet := range f.Sheets {
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			text.WriteString(strings.Join(cells, "\t"))
			text.WriteString("\n")
		}
	}
	return text.String(), nil
}

func parseExcelize(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var text strings.Builder
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return "", fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
	}
	return text.String(), nil
}

// extractTextFromXML collects the character data of OOXML text runs (w:t in
// documents, a:t in slides) and ends a line at every paragraph.
func extractTextFromXML(xmlContent string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(xmlContent))
	var (
		text   strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				text.WriteString("\t")
			case "br":
				text.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				text.Write(t)
			}
		}
	}
	return strings.TrimRight(text.String(), "\n"), nil
}
