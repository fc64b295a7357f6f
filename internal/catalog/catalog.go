package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrInputFormat covers a missing header or missing required columns.
	ErrInputFormat = errors.New("catalog: input format error")
	// ErrAmbiguousSchema is raised when two spelling variants of the same
	// column disagree in non-empty values for one row.
	ErrAmbiguousSchema = errors.New("catalog: ambiguous schema")
)

// Record is one row of the input catalog. The original cells are preserved
// verbatim in Fields so that unknown enrichment columns pass through to the
// output untouched.
type Record struct {
	AdID          string
	AccountID     string
	SourceURLHint string
	ModTime       time.Time
	HasModTime    bool

	// Index is the zero-based position of the row in the input file. The
	// enriched output is re-ordered by this index.
	Index  int
	Fields []string
}

// Key identifies a record. (AccountID, AdID) is the catalog's primary key.
type Key struct {
	AccountID string
	AdID      string
}

func (r Record) Key() Key {
	return Key{AccountID: r.AccountID, AdID: r.AdID}
}

// Catalog holds the parsed input file: the original header plus every row in
// input order. Records keeps duplicates; Deduped collapses them.
type Catalog struct {
	Header  []string
	Records []Record

	cols columns
}

// Open reads and validates the whole input catalog. Any I/O or format problem
// here is fatal for the run, so errors are returned rather than collected.
func Open(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // ragged rows are padded below

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s has no header row", ErrInputFormat, path)
	}

	header := rows[0]
	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{Header: header, cols: cols}
	for i, row := range rows[1:] {
		// Pad short rows so column lookups stay in bounds.
		if len(row) < len(header) {
			padded := make([]string, len(header))
			copy(padded, row)
			row = padded
		}

		rec := Record{Index: i, Fields: row}

		rec.AdID, err = cols.adID.value(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		rec.AccountID, err = cols.accountID.value(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if cols.sourceHint.present() {
			rec.SourceURLHint, err = cols.sourceHint.value(row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
		}
		if cols.modTime.present() {
			raw, err := cols.modTime.value(row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			if t, ok := parseModTime(raw); ok {
				rec.ModTime = t
				rec.HasModTime = true
			}
		}

		cat.Records = append(cat.Records, rec)
	}
	return cat, nil
}

// Deduped collapses duplicate (account_id, ad_id) keys to a single record.
// When both duplicates carry a modification time the newer one wins;
// otherwise the first occurrence is kept.
func (c *Catalog) Deduped() []Record {
	byKey := make(map[Key]Record, len(c.Records))
	order := make([]Key, 0, len(c.Records))

	for _, rec := range c.Records {
		k := rec.Key()
		prev, seen := byKey[k]
		if !seen {
			byKey[k] = rec
			order = append(order, k)
			continue
		}
		if rec.HasModTime && prev.HasModTime && rec.ModTime.After(prev.ModTime) {
			byKey[k] = rec
		}
	}

	out := make([]Record, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// parseModTime accepts the timestamp shapes seen in catalog exports.
func parseModTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05-0700",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
