package mapping

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when the mapping artifact extension is
	// not recognized.
	ErrUnsupportedFormat = errors.New("unsupported mapping file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	// technicalFields are managed by the version store, never data-mapped.
	technicalFields = map[string]struct{}{
		"_id":     {},
		"_versao": {},
	}

	// notApplicableMarkers flag mapping rows without a relational source.
	notApplicableMarkers = map[string]struct{}{
		"não se aplica": {},
		"nao se aplica": {},
		"not applicable": {},
		"n/a":            {},
	}
)

// Entry binds one document field path to its relational source.
type Entry struct {
	DocumentField string
	SourceTable   string
	SourceColumn  string
}

// Mapping is the loaded field-mapping table. It is immutable after Load and
// safe for concurrent reads.
type Mapping struct {
	entries []Entry
	byField map[string]Entry
}

// Load reads the mapping artifact (CSV or XLSX export of the de-para
// spreadsheet), skipping the header row, blank rows, not-applicable rows and
// technical bookkeeping fields. A missing or malformed artifact is a fatal
// configuration error: nothing downstream can guess field correspondences.
func Load(path string) (*Mapping, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("mapping file %s is empty", path)
	}

	var records [][]string
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv":
		records, err = parseCSV(payload)
	case ".xlsx":
		records, err = parseExcel(payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}

	return fromRecords(records)
}

func parseCSV(payload []byte) ([][]string, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping csv: %w", err)
	}
	return records, nil
}

func parseExcel(payload []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("mapping xlsx has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from mapping xlsx: %w", err)
	}
	return rows, nil
}

// fromRecords builds the mapping from raw rows. The artifact layout carries
// the document field in column 0, the source table in column 2 and the source
// column in column 3, mirroring the de-para spreadsheet export.
func fromRecords(records [][]string) (*Mapping, error) {
	if len(records) < 2 {
		return nil, errors.New("mapping file has no data rows")
	}

	m := &Mapping{byField: make(map[string]Entry)}

	for idx, record := range records {
		if idx == 0 {
			// Header row.
			continue
		}
		if len(record) < 4 {
			continue
		}

		documentField := strings.TrimSpace(record[0])
		sourceTable := strings.TrimSpace(record[2])
		sourceColumn := strings.TrimSpace(record[3])

		if documentField == "" {
			continue
		}
		if _, technical := technicalFields[documentField]; technical {
			continue
		}
		if sourceTable == "" || sourceColumn == "" {
			continue
		}
		if _, skip := notApplicableMarkers[strings.ToLower(sourceTable)]; skip {
			continue
		}

		if _, duplicate := m.byField[documentField]; duplicate {
			return nil, fmt.Errorf("duplicate document field %q in mapping", documentField)
		}

		entry := Entry{
			DocumentField: documentField,
			SourceTable:   sourceTable,
			SourceColumn:  sourceColumn,
		}
		m.entries = append(m.entries, entry)
		m.byField[documentField] = entry
	}

	if len(m.entries) == 0 {
		return nil, errors.New("mapping file yielded no usable entries")
	}

	return m, nil
}

// Len returns the number of loaded entries.
func (m *Mapping) Len() int {
	return len(m.entries)
}

// Entries returns a copy of every loaded entry.
func (m *Mapping) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// FieldsForTable returns the deduplicated, sorted source columns that feed
// document fields from the given table.
func (m *Mapping) FieldsForTable(table string) []string {
	seen := make(map[string]struct{})
	var columns []string
	for _, entry := range m.entries {
		if entry.SourceTable != table {
			continue
		}
		if _, ok := seen[entry.SourceColumn]; ok {
			continue
		}
		seen[entry.SourceColumn] = struct{}{}
		columns = append(columns, entry.SourceColumn)
	}
	sort.Strings(columns)
	return columns
}

// DocumentFieldFor returns the document field path fed by the given source
// column, if any. When several fields share a column the first mapping entry
// wins, matching the artifact's row order.
func (m *Mapping) DocumentFieldFor(column string) (string, bool) {
	for _, entry := range m.entries {
		if entry.SourceColumn == column {
			return entry.DocumentField, true
		}
	}
	return "", false
}

// FieldFor returns the full entry for a document field path.
func (m *Mapping) FieldFor(documentField string) (Entry, bool) {
	entry, ok := m.byField[documentField]
	return entry, ok
}

// IsNested reports whether the document field path denotes nesting.
func (e Entry) IsNested() bool {
	return strings.Contains(e.DocumentField, ".")
}

// ParentField returns the first path segment of a nested document field, or
// an empty string for flat fields.
func (e Entry) ParentField() string {
	if idx := strings.Index(e.DocumentField, "."); idx >= 0 {
		return e.DocumentField[:idx]
	}
	return ""
}
