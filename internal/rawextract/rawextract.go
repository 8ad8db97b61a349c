// Package rawextract parses Flex XML payloads just enough to extract
// section rows for immutable raw persistence. It has no awareness of
// canonical semantics; unknown sections are recorded like any other.
package rawextract

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"ibkr-flex-ledger/internal/domain"
)

// Row is one extracted section row ready for raw persistence.
type Row struct {
	SectionName   string
	SourceRowRef  string
	SourcePayload map[string]string
}

// Extraction is the result of walking one payload.
type Extraction struct {
	ReportDateLocal string // ISO date, empty when the statement omits it
	Rows            []Row
}

// preferredRefKeys are tried in order when building a stable source row
// reference; IBKR emits both casings depending on the section.
var preferredRefKeys = []string{
	"transactionID", "transactionId",
	"tradeID", "tradeId",
	"actionID", "actionId",
	"ibExecID", "ibExecId",
	"execID", "execId",
	"id",
}

// statement is one FlexStatement element with its raw section children.
type statement struct {
	attrs    map[string]string
	sections []section
}

type section struct {
	name  string
	attrs map[string]string
	rows  []sectionRow
}

type sectionRow struct {
	tag   string
	attrs map[string]string
}

// Extract walks FlexStatement/*/* and builds one Row per section element.
// Empty section containers still produce one row so section presence is
// provable from the raw store alone.
func Extract(payload []byte) (*Extraction, error) {
	statements, err := parseStatements(payload)
	if err != nil {
		return nil, err
	}

	extraction := &Extraction{
		ReportDateLocal: reportDateLocal(statements[0].attrs),
	}

	for _, stmt := range statements {
		for _, sec := range stmt.sections {
			if len(sec.rows) == 0 {
				extraction.Rows = append(extraction.Rows, Row{
					SectionName:   sec.name,
					SourceRowRef:  fmt.Sprintf("%s:section:1", sec.name),
					SourcePayload: sec.attrs,
				})
				continue
			}
			for index, row := range sec.rows {
				extraction.Rows = append(extraction.Rows, Row{
					SectionName:   sec.name,
					SourceRowRef:  sourceRowRef(sec.name, row.tag, row.attrs, index+1),
					SourcePayload: row.attrs,
				})
			}
		}
	}
	return extraction, nil
}

// SectionNames returns the set of section container names detected under
// FlexStatement elements.
func SectionNames(payload []byte) (map[string]struct{}, error) {
	statements, err := parseStatements(payload)
	if err != nil {
		return nil, err
	}

	names := make(map[string]struct{})
	for _, stmt := range statements {
		for _, sec := range stmt.sections {
			names[sec.name] = struct{}{}
		}
	}
	return names, nil
}

// parseStatements streams the XML and collects FlexStatement elements with
// their direct section children and grandchild rows.
func parseStatements(payload []byte) ([]statement, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("payload must not be empty")
	}

	decoder := xml.NewDecoder(bytes.NewReader(payload))

	var statements []statement
	// depth counted from the FlexStatement element: 1 = section container,
	// 2 = section row.
	var current *statement
	var currentSection *section
	depth := 0

	for {
		token, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("payload is not well-formed XML: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "FlexStatement" && current == nil:
				current = &statement{attrs: attrMap(t.Attr)}
				depth = 0
			case current != nil && depth == 0:
				current.sections = append(current.sections, section{name: t.Name.Local, attrs: attrMap(t.Attr)})
				currentSection = &current.sections[len(current.sections)-1]
				depth = 1
			case current != nil && depth == 1 && currentSection != nil:
				currentSection.rows = append(currentSection.rows, sectionRow{tag: t.Name.Local, attrs: attrMap(t.Attr)})
				depth = 2
			case current != nil:
				depth++
			}
		case xml.EndElement:
			switch {
			case t.Name.Local == "FlexStatement" && current != nil && depth == 0:
				statements = append(statements, *current)
				current = nil
				currentSection = nil
			case current != nil && depth > 0:
				depth--
				if depth == 0 {
					currentSection = nil
				}
			}
		}
	}

	if len(statements) == 0 {
		return nil, errors.New("FlexStatement node not found in payload")
	}
	return statements, nil
}

// sourceRowRef builds the deterministic handle for one row: the row's own
// IBKR id when present, else its one-based element index.
func sourceRowRef(sectionName, rowTag string, attrs map[string]string, index int) string {
	for _, key := range preferredRefKeys {
		if value, ok := attrs[key]; ok && !domain.IsFlexSentinel(value) {
			return fmt.Sprintf("%s:%s:%s=%s", sectionName, rowTag, key, value)
		}
	}
	return fmt.Sprintf("%s:%s:idx=%d", sectionName, rowTag, index)
}

// reportDateLocal resolves the statement-level report date from the
// reportDate or toDate attributes.
func reportDateLocal(attrs map[string]string) string {
	for _, key := range []string{"reportDate", "toDate"} {
		if value, ok := attrs[key]; ok {
			if parsed, err := domain.ParseFlexDate(value); err == nil && parsed != "" {
				return parsed
			}
		}
	}
	return ""
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		m[attr.Name.Local] = attr.Value
	}
	return m
}
