package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/connector"
)

const (
	catalogSegment = "_catalog"
	tablePrefix    = "t."
)

// Each catalog row records one table: its name, the fingerprint of its
// schema, and the schema itself as a BSON document.
var catalogSchema = codec.NewSchema("_catalog").
	String("name").
	Uint64("fingerprint").
	Bytes("schema").
	Key("name").
	MustBuild()

type catalogEntry struct {
	name   string
	schema *codec.Schema
}

// catalog tracks the catalog segment. Its end offset only moves under the
// database write lock.
type catalog struct {
	seg connector.Segment
	end int64
}

func tableSegment(name string) string {
	return tablePrefix + name
}

// openCatalog finds or allocates the catalog segment and reads every table
// definition in creation order.
func openCatalog(conn connector.Connector) (*catalog, []catalogEntry, error) {
	seg, err := conn.Segment(catalogSegment)
	if errors.Is(err, connector.ErrSegmentNotFound) {
		seg, err = conn.AllocateSegment(catalogSegment)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}
	size, err := conn.Size(seg)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}
	data, err := conn.Read(seg, 0, size)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}

	var entries []catalogEntry
	seen := make(map[string]bool)
	err = scanEntries(data, func(off int64, e *codec.Entry) error {
		if e.Kind != codec.EntryInsert {
			return fmt.Errorf("%w: catalog entry at %d is a %s", codec.ErrMalformedRecord, off, e.Kind)
		}
		row, err := catalogSchema.DecodeRow(e.Value)
		if err != nil {
			return fmt.Errorf("catalog entry at %d: %w", off, err)
		}
		name := row[0].Str()
		schema, err := codec.UnmarshalSchema(row[2].Blob())
		if err != nil {
			return fmt.Errorf("catalog entry %s: %w", name, err)
		}
		if schema.Fingerprint() != row[1].Uint() {
			return fmt.Errorf("%w: catalog entry %s: fingerprint %x, schema hashes to %x",
				codec.ErrSchemaMismatch, name, row[1].Uint(), schema.Fingerprint())
		}
		if seen[name] {
			return fmt.Errorf("%w: table %s defined twice", codec.ErrMalformedRecord, name)
		}
		seen[name] = true
		entries = append(entries, catalogEntry{name: name, schema: schema})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}
	return &catalog{seg: seg, end: size}, entries, nil
}

// catalogRecord encodes the catalog envelope for a new table.
func catalogRecord(name string, schema *codec.Schema) ([]byte, error) {
	doc, err := codec.MarshalSchema(schema)
	if err != nil {
		return nil, err
	}
	row, err := catalogSchema.EncodeRow(codec.Row{
		codec.String(name),
		codec.Uint64(schema.Fingerprint()),
		codec.Bytes(doc),
	})
	if err != nil {
		return nil, err
	}
	e := &codec.Entry{
		Kind:      codec.EntryInsert,
		Timestamp: uint64(time.Now().UnixNano()),
		Key:       []byte(name),
		Value:     row,
	}
	return codec.NewEntryCodec().Encode(e), nil
}
