package catalog

import (
	"encoding/csv"
	"fmt"
	"os"
)

// EnrichmentColumns are appended to the preserved input columns, in this
// order, for every output row.
var EnrichmentColumns = []string{
	"content_hash",
	"media_kind",
	"public_url",
	"object_path",
	"terminal_status",
	"failure_reason",
}

// Enrichment is the set of terminal columns written back for one input row.
// Rows without a terminal result keep every cell empty.
type Enrichment struct {
	ContentHash   string
	MediaKind     string
	PublicURL     string
	ObjectPath    string
	Status        string
	FailureReason string
}

func (e Enrichment) cells() []string {
	return []string{e.ContentHash, e.MediaKind, e.PublicURL, e.ObjectPath, e.Status, e.FailureReason}
}

// WriteEnriched writes the output catalog: every input row in its original
// order with its original cells, followed by the enrichment columns. Numeric
// passthrough cells are never reformatted because the original strings are
// reused as-is.
func (c *Catalog) WriteEnriched(path string, enrichments map[Key]Enrichment) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output catalog: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := make([]string, 0, len(c.Header)+len(EnrichmentColumns))
	header = append(header, c.Header...)
	header = append(header, EnrichmentColumns...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, rec := range c.Records {
		row := make([]string, 0, len(header))
		row = append(row, rec.Fields...)
		row = append(row, enrichments[rec.Key()].cells()...)
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", rec.Index+1, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush output catalog: %w", err)
	}
	return f.Close()
}
