// Package codec defines how SkaldDB records map to bytes.
//
// A record shape is declared once with the schema builder, which assigns
// each field a stable ordinal:
//
//	people := codec.NewSchema("people").
//		Int64("id").
//		String("name").
//		Int64("age").
//		Key("id").
//		MustBuild()
//
// Typed application records are attached to a schema with Bind, which takes a
// pair of conversion functions instead of relying on reflection.
//
// # Row Format
//
// Rows are serialized in ordinal order:
//
//	[FieldCount(2)] ([Tag(1)][Payload])*
//
// Fixed-width scalars are little-endian. Strings and byte blobs carry a
// 4-byte length prefix. Reference fields store a presence byte followed by
// the tagged key of the referenced row. Decoding never scans ahead: a
// length or tag that disagrees with the schema fails immediately with
// ErrMalformedRecord or ErrSchemaMismatch.
//
// # Entry Format
//
// Table segments hold entries wrapping encoded rows:
//
//	[CRC32(4)][Kind(1)][KeySize(4)][ValueSize(4)][Timestamp(8)][Key][Value]
//
// The CRC32 covers every field after itself. A tombstone entry has an empty
// value.
//
// # Interchange
//
// MarshalDocument and UnmarshalDocument convert rows to BSON documents keyed
// by field name, so two independently versioned processes can exchange
// records without sharing schema declarations.
package codec
