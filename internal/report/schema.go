package report

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // America/Bogota must resolve on minimal images

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// FieldSpec describes one report column.
type FieldSpec struct {
	Header   string // as printed in the artifact header row
	Column   string // storage column name
	Kind     domain.FieldKind
	Required bool
}

// Schema is the parser configuration for one report layout.
type Schema struct {
	Fields         []FieldSpec
	IdentityColumn string
	Delimiter      rune
	Encoding       string // "utf-8" or "latin1"
	TimeLayout     string
	Location       *time.Location
}

// Validate checks the schema itself before any artifact is parsed.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no fields")
	}
	seenHeader := map[string]bool{}
	seenColumn := map[string]bool{}
	identityFound := false
	for _, f := range s.Fields {
		h := normalizeHeader(f.Header)
		if h == "" || f.Column == "" {
			return fmt.Errorf("field %q/%q: header and column are required", f.Header, f.Column)
		}
		if seenHeader[h] {
			return fmt.Errorf("duplicate header %q", f.Header)
		}
		if seenColumn[f.Column] {
			return fmt.Errorf("duplicate column %q", f.Column)
		}
		seenHeader[h] = true
		seenColumn[f.Column] = true
		if f.Column == s.IdentityColumn {
			identityFound = true
			if !f.Required {
				return fmt.Errorf("identity column %q must be required", f.Column)
			}
		}
	}
	if !identityFound {
		return fmt.Errorf("identity column %q is not a schema field", s.IdentityColumn)
	}
	switch strings.ToLower(s.Encoding) {
	case "", "utf-8", "utf8", "latin1", "iso-8859-1":
	default:
		return fmt.Errorf("unsupported encoding %q", s.Encoding)
	}
	return nil
}

// Columns returns the storage column names in schema order.
func (s *Schema) Columns() []string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Column
	}
	return cols
}

// normalizeHeader makes header matching insensitive to case, composed vs
// decomposed accents, a leading BOM and surrounding whitespace.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	h = norm.NFC.String(strings.TrimSpace(h))
	return cases.Fold().String(strings.Join(strings.Fields(h), " "))
}

// PayUOrdersSchema is the layout of the PayU merchant "orders" CSV report.
func PayUOrdersSchema(timeZone string, delimiter rune, encoding string) (*Schema, error) {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return nil, fmt.Errorf("PayUOrdersSchema: time zone %q: %w", timeZone, err)
	}
	s := &Schema{
		Fields: []FieldSpec{
			{Header: "Id Transacción", Column: "transaction_id", Kind: domain.KindString, Required: true},
			{Header: "Id Orden", Column: "order_id", Kind: domain.KindString, Required: true},
			{Header: "Fecha de creación", Column: "created_at", Kind: domain.KindTimestamp, Required: true},
			{Header: "Última actualización", Column: "last_update", Kind: domain.KindTimestamp},
			{Header: "Referencia", Column: "reference", Kind: domain.KindString},
			{Header: "Descripción", Column: "description", Kind: domain.KindString},
			{Header: "Nombre del pagador", Column: "payer_name", Kind: domain.KindString},
			{Header: "Email del comprador", Column: "buyer_email", Kind: domain.KindString},
			{Header: "Valor original", Column: "original_value", Kind: domain.KindDecimal},
			{Header: "Moneda original", Column: "original_currency", Kind: domain.KindString},
			{Header: "Valor procesado", Column: "processed_value", Kind: domain.KindDecimal},
			{Header: "Moneda procesada", Column: "processed_currency", Kind: domain.KindString},
			{Header: "Estado de orden", Column: "order_status", Kind: domain.KindString},
			{Header: "Medio de pago", Column: "payment_method", Kind: domain.KindString},
			{Header: "Tipo de tarjeta de crédito", Column: "card_type", Kind: domain.KindString},
			{Header: "Número visible tarjeta de crédito", Column: "card_number_masked", Kind: domain.KindString},
			{Header: "Banco emisor", Column: "issuing_bank", Kind: domain.KindString},
			{Header: "Tipo de transacción", Column: "transaction_type", Kind: domain.KindString},
			{Header: "Estado de transacción", Column: "transaction_status", Kind: domain.KindString, Required: true},
			{Header: "Código de respuesta", Column: "response_code", Kind: domain.KindString},
			{Header: "Número de cuotas totales", Column: "installments", Kind: domain.KindInteger},
			{Header: "Código de trazabilidad", Column: "traceability_code", Kind: domain.KindString},
			{Header: "id aliado", Column: "partner_id", Kind: domain.KindString},
		},
		IdentityColumn: "transaction_id",
		Delimiter:      delimiter,
		Encoding:       encoding,
		TimeLayout:     "02/01/2006 15:04:05",
		Location:       loc,
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("PayUOrdersSchema: %w", err)
	}
	return s, nil
}
