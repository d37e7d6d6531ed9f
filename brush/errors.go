package brush

import "github.com/pkg/errors"

// UnknownBrushError is returned when a brush URI names a (scheme, name)
// pair with no registered constructor.
type UnknownBrushError struct {
	URI string
}

func (e *UnknownBrushError) Error() string {
	return "unknown brush: " + e.URI
}

// SchemaMismatchError is returned when a brush is asked to color a tile
// whose schema lacks a field the brush requires. Per spec §7 this is
// handled per-tile, not propagated as a fatal error to the loader.
type SchemaMismatchError struct {
	Field string
}

func (e *SchemaMismatchError) Error() string {
	return "schema mismatch: missing field " + e.Field
}

// CheckRequiredFields returns a SchemaMismatchError for the first field b
// requires that schema does not declare, or nil if all are present.
func CheckRequiredFields(b Brush, schema Schema) error {
	for _, field := range b.RequiredSchemaFields() {
		if schema.Index(field) < 0 {
			return errors.WithStack(&SchemaMismatchError{Field: field})
		}
	}
	return nil
}
