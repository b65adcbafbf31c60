package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// fallbackTimeLayouts are tried after the schema layout.
var fallbackTimeLayouts = []string{
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006",
}

// Parser converts raw delimited artifacts into TransactionRecords.
// It is a pure function of the artifact bytes.
type Parser struct {
	schema *Schema
}

// NewParser creates a parser for the given schema.
func NewParser(schema *Schema) (*Parser, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("NewParser: %w", err)
	}
	return &Parser{schema: schema}, nil
}

// Schema returns the parser's schema.
func (p *Parser) Schema() *Schema {
	return p.schema
}

// Parse returns the artifact's records in artifact order. Entirely empty rows
// are skipped. Any schema violation aborts with a *domain.ParseError.
func (p *Parser) Parse(artifact *domain.RawArtifact) ([]domain.TransactionRecord, error) {
	if artifact == nil {
		return nil, &domain.ParseError{Msg: "no artifact"}
	}
	if artifact.Format != "" && artifact.Format != domain.FormatCSV {
		return nil, &domain.ParseError{Msg: fmt.Sprintf("unsupported artifact format %q", artifact.Format)}
	}

	data, err := p.decode(artifact.Data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = p.schema.Delimiter
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, &domain.ParseError{Msg: "artifact is empty, header row missing"}
	}
	if err != nil {
		return nil, csvError(err)
	}

	columns, err := p.mapHeader(header)
	if err != nil {
		return nil, err
	}

	var records []domain.TransactionRecord
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		line, _ := r.FieldPos(0)

		if isBlankRow(row) {
			continue
		}
		if len(row) != len(columns) {
			return nil, &domain.ParseError{
				Row: line,
				Msg: fmt.Sprintf("expected %d fields, got %d", len(columns), len(row)),
			}
		}

		rec, err := p.buildRecord(line, columns, row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func (p *Parser) decode(data []byte) ([]byte, error) {
	switch strings.ToLower(p.schema.Encoding) {
	case "latin1", "iso-8859-1":
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, &domain.ParseError{Msg: "decode latin1", Err: err}
		}
		return out, nil
	default:
		if !utf8.Valid(data) {
			return nil, &domain.ParseError{Msg: "artifact is not valid UTF-8"}
		}
		return bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), nil
	}
}

// mapHeader resolves each artifact column to its FieldSpec.
func (p *Parser) mapHeader(header []string) ([]FieldSpec, error) {
	byHeader := make(map[string]FieldSpec, len(p.schema.Fields))
	for _, f := range p.schema.Fields {
		byHeader[normalizeHeader(f.Header)] = f
	}

	columns := make([]FieldSpec, len(header))
	seen := map[string]bool{}
	for i, h := range header {
		f, ok := byHeader[normalizeHeader(h)]
		if !ok {
			return nil, &domain.ParseError{Row: 1, Column: h, Msg: "unknown column"}
		}
		if seen[f.Column] {
			return nil, &domain.ParseError{Row: 1, Column: h, Msg: "duplicate column"}
		}
		seen[f.Column] = true
		columns[i] = f
	}

	for _, f := range p.schema.Fields {
		if !seen[f.Column] {
			return nil, &domain.ParseError{Row: 1, Column: f.Header, Msg: "missing column"}
		}
	}
	return columns, nil
}

func (p *Parser) buildRecord(line int, columns []FieldSpec, row []string) (domain.TransactionRecord, error) {
	fields := make(map[string]domain.Value, len(columns))
	for i, f := range columns {
		v, err := p.convert(f, row[i])
		if err != nil {
			return domain.TransactionRecord{}, &domain.ParseError{Row: line, Column: f.Header, Msg: err.Error(), Err: err}
		}
		if f.Required && !v.Valid {
			return domain.TransactionRecord{}, &domain.ParseError{Row: line, Column: f.Header, Msg: "required field is empty"}
		}
		fields[f.Column] = v
	}

	return domain.TransactionRecord{
		Key:      domain.IdentityKey(fields[p.schema.IdentityColumn].Canonical()),
		Row:      line,
		Fields:   fields,
		Checksum: Checksum(fields),
	}, nil
}

func (p *Parser) convert(f FieldSpec, raw string) (domain.Value, error) {
	s := normalizeText(raw)
	if s == "" {
		return domain.NullValue(f.Kind), nil
	}

	switch f.Kind {
	case domain.KindDecimal:
		d, err := parseDecimal(s)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.DecimalValue(d), nil
	case domain.KindTimestamp:
		t, err := p.parseTime(s)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.TimeValue(t), nil
	case domain.KindInteger:
		i, err := parseInteger(s)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.IntValue(i), nil
	default:
		return domain.StringValue(s), nil
	}
}

func (p *Parser) parseTime(s string) (time.Time, error) {
	loc := p.schema.Location
	if loc == nil {
		loc = time.UTC
	}
	layouts := append([]string{p.schema.TimeLayout}, fallbackTimeLayouts...)
	for _, layout := range layouts {
		if layout == "" {
			continue
		}
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// normalizeText applies NFC and collapses runs of whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// parseDecimal accepts "1234.5", "1234,5", "1.234,50" and "1,234.50".
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(s, " ", "")
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastComma >= 0 && lastDot >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			return decimal.Decimal{}, fmt.Errorf("unparseable number %q", s)
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unparseable number %q", s)
	}
	return d, nil
}

func parseInteger(s string) (int64, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	d, err := parseDecimal(s)
	if err != nil || !d.IsInteger() {
		return 0, fmt.Errorf("unparseable integer %q", s)
	}
	return d.IntPart(), nil
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func csvError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &domain.ParseError{Row: pe.StartLine, Msg: "malformed delimited layout: " + pe.Err.Error(), Err: err}
	}
	return &domain.ParseError{Msg: "read artifact", Err: err}
}
