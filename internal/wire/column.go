package wire

import "fmt"

// ColumnDefinition41 is a parsed Protocol::ColumnDefinition41 packet —
// just the fields the masking filter needs to decide whether a column is
// in scope for a rule.
type ColumnDefinition41 struct {
	Schema string
	Table  string
	Name   string
	Type   byte
}

// ParseColumnDefinition41 parses a column-definition packet payload.
func ParseColumnDefinition41(payload []byte) (ColumnDefinition41, error) {
	var cd ColumnDefinition41
	pos := 0

	next := func(label string) ([]byte, error) {
		s, n, ok := ReadLenEncString(payload, pos)
		if !ok {
			return nil, fmt.Errorf("truncated column definition reading %s", label)
		}
		pos = n
		return s, nil
	}

	if _, err := next("catalog"); err != nil {
		return cd, err
	}
	schema, err := next("schema")
	if err != nil {
		return cd, err
	}
	cd.Schema = string(schema)

	table, err := next("table")
	if err != nil {
		return cd, err
	}
	cd.Table = string(table)

	if _, err := next("org_table"); err != nil {
		return cd, err
	}
	name, err := next("name")
	if err != nil {
		return cd, err
	}
	cd.Name = string(name)

	if _, err := next("org_name"); err != nil {
		return cd, err
	}

	// fixed-length fields: length-of-fields-length(1) + charset(2) +
	// column_length(4) + type(1) + flags(2) + decimals(1) + filler(2)
	if pos+13 > len(payload) {
		return cd, fmt.Errorf("truncated column definition fixed fields")
	}
	pos++     // length of fixed fields, always 0x0c
	pos += 2  // charset
	pos += 4  // column length
	cd.Type = payload[pos]
	pos++
	// flags(2) + decimals(1) + filler(2) intentionally unread — not
	// needed for masking's column-identity matching.

	return cd, nil
}

// ColumnCount decodes the length-encoded column count at the start of a
// result-set header packet (the packet preceding the first
// column-definition packet).
func ColumnCount(payload []byte) (uint64, bool) {
	n, consumed, ok := ReadLenEncInt(payload, 0)
	if !ok || consumed != len(payload) {
		return 0, false
	}
	return n, true
}
