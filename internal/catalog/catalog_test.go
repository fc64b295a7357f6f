package catalog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestOpenResolvesHeaderVariants(t *testing.T) {
	cases := []struct {
		name   string
		header []string
	}{
		{"snake", []string{"ad_id", "account_id"}},
		{"capitalized", []string{"Ad_ID", "Account_ID"}},
		{"spaced", []string{"Ad ID", "Account ID"}},
		{"compact", []string{"AdID", "AccountID"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeCSV(t, [][]string{tc.header, {"123", "act_9"}})
			cat, err := Open(path)
			require.NoError(t, err)
			require.Len(t, cat.Records, 1)
			assert.Equal(t, "123", cat.Records[0].AdID)
			assert.Equal(t, "act_9", cat.Records[0].AccountID)
		})
	}
}

func TestOpenMissingRequiredColumn(t *testing.T) {
	path := writeCSV(t, [][]string{{"ad_id", "campaign"}, {"1", "c"}})
	_, err := Open(path)
	require.ErrorIs(t, err, ErrInputFormat)
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := Open(path)
	require.ErrorIs(t, err, ErrInputFormat)
}

func TestOpenAgreeingVariantsCoexist(t *testing.T) {
	// One variant may be empty or equal; only disagreement is an error.
	path := writeCSV(t, [][]string{
		{"ad_id", "Ad ID", "account_id"},
		{"42", "", "act_1"},
		{"43", "43", "act_1"},
	})
	cat, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "42", cat.Records[0].AdID)
	assert.Equal(t, "43", cat.Records[1].AdID)
}

func TestOpenAmbiguousSchema(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"ad_id", "Ad ID", "account_id"},
		{"42", "43", "act_1"},
	})
	_, err := Open(path)
	require.ErrorIs(t, err, ErrAmbiguousSchema)
}

func TestDedupedNewerModTimeWins(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"ad_id", "account_id", "modification_time"},
		{"1", "a", "2025-01-01"},
		{"1", "a", "2025-06-01"},
		{"2", "a", "2025-03-01"},
	})
	cat, err := Open(path)
	require.NoError(t, err)

	deduped := cat.Deduped()
	require.Len(t, deduped, 2)
	assert.Equal(t, "1", deduped[0].AdID)
	assert.Equal(t, "2025-06-01", deduped[0].Fields[2])
	assert.Equal(t, "2", deduped[1].AdID)
}

func TestDedupedFirstWinsWithoutModTime(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"ad_id", "account_id", "campaign"},
		{"1", "a", "first"},
		{"1", "a", "second"},
	})
	cat, err := Open(path)
	require.NoError(t, err)

	deduped := cat.Deduped()
	require.Len(t, deduped, 1)
	assert.Equal(t, "first", deduped[0].Fields[2])
}

func TestDedupedKeyIsAccountScoped(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"ad_id", "account_id"},
		{"1", "a"},
		{"1", "b"},
	})
	cat, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, cat.Deduped(), 2)
}

func TestWriteEnrichedPreservesCellsAndOrder(t *testing.T) {
	// High-precision decimals and odd strings must come back byte-identical.
	path := writeCSV(t, [][]string{
		{"ad_id", "account_id", "spend", "note"},
		{"2", "a", "0.30000000000000004", "hello, world"},
		{"1", "a", "12.10", ""},
	})
	cat, err := Open(path)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out.csv")
	err = cat.WriteEnriched(out, map[Key]Enrichment{
		{AccountID: "a", AdID: "1"}: {
			ContentHash: "ff00", MediaKind: "video",
			PublicURL: "https://cdn.example/v/ff00.mp4", ObjectPath: "videos/ff/ff00.mp4",
			Status: "Success",
		},
	})
	require.NoError(t, err)

	rows := readCSV(t, out)
	require.Len(t, rows, 3)
	assert.Equal(t, append([]string{"ad_id", "account_id", "spend", "note"}, EnrichmentColumns...), rows[0])

	// Input order preserved: ad 2 first, untouched cells, empty enrichment.
	assert.Equal(t, []string{"2", "a", "0.30000000000000004", "hello, world", "", "", "", "", "", ""}, rows[1])
	assert.Equal(t, []string{"1", "a", "12.10", "", "ff00", "video", "https://cdn.example/v/ff00.mp4", "videos/ff/ff00.mp4", "Success", ""}, rows[2])
}

func TestOpenPadsShortRows(t *testing.T) {
	raw := "ad_id,account_id,extra\n1,a\n"
	path := filepath.Join(t.TempDir(), "ragged.csv")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cat, err := Open(path)
	require.NoError(t, err)
	require.Len(t, cat.Records, 1)
	assert.Len(t, cat.Records[0].Fields, 3)
}

func TestParseModTimeLayouts(t *testing.T) {
	for _, raw := range []string{
		"2025-04-01T10:30:00Z",
		"2025-04-01T10:30:00+0200",
		"2025-04-01 10:30:00",
		"2025-04-01",
	} {
		_, ok := parseModTime(raw)
		assert.True(t, ok, raw)
	}
	_, ok := parseModTime("not a date")
	assert.False(t, ok)
}
