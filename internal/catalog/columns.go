package catalog

import (
	"fmt"
	"strings"
)

// Column names are matched case-insensitively and spaces are treated like
// underscores, so "Ad_ID", "Ad ID" and "ad_id" all resolve to the same
// column. A file may contain several variants at once; per row the first
// non-empty value wins, and it is only an error when two variants disagree.

var (
	adIDVariants      = []string{"ad_id", "ad id", "adid"}
	accountIDVariants = []string{"account_id", "account id", "account", "accountid"}
	sourceVariants    = []string{"source_url_hint", "facebook_preview_link", "preview_url", "preview link"}
	modTimeVariants   = []string{"modification_time", "modified_time", "updated_time"}
)

// column holds every header index a logical column resolved to.
type column struct {
	name    string
	indexes []int
}

func (c column) present() bool { return len(c.indexes) > 0 }

// value returns the first non-empty cell among the variant columns, erroring
// only when two variants carry different non-empty values.
func (c column) value(row []string) (string, error) {
	val := ""
	for _, idx := range c.indexes {
		if idx >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[idx])
		if cell == "" {
			continue
		}
		if val == "" {
			val = cell
			continue
		}
		if cell != val {
			return "", fmt.Errorf("%w: column %q has conflicting values %q and %q",
				ErrAmbiguousSchema, c.name, val, cell)
		}
	}
	return val, nil
}

type columns struct {
	adID       column
	accountID  column
	sourceHint column
	modTime    column
}

func normalizeHeader(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return strings.ReplaceAll(name, " ", "_")
}

func findColumn(header []string, name string, variants []string) column {
	col := column{name: name}
	for i, h := range header {
		norm := normalizeHeader(h)
		for _, v := range variants {
			if norm == strings.ReplaceAll(v, " ", "_") {
				col.indexes = append(col.indexes, i)
				break
			}
		}
	}
	return col
}

func resolveColumns(header []string) (columns, error) {
	cols := columns{
		adID:       findColumn(header, "ad_id", adIDVariants),
		accountID:  findColumn(header, "account_id", accountIDVariants),
		sourceHint: findColumn(header, "source_url_hint", sourceVariants),
		modTime:    findColumn(header, "modification_time", modTimeVariants),
	}
	if !cols.adID.present() {
		return cols, fmt.Errorf("%w: missing ad id column (tried %s)", ErrInputFormat, strings.Join(adIDVariants, ", "))
	}
	if !cols.accountID.present() {
		return cols, fmt.Errorf("%w: missing account id column (tried %s)", ErrInputFormat, strings.Join(accountIDVariants, ", "))
	}
	return cols, nil
}
