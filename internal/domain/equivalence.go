package domain

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// volatileFieldNames are stripped from both documents before comparison at
// every nesting depth. A change in any of these must never by itself produce
// a new persisted version. This list is the single source of truth; no other
// package re-implements it.
var volatileFieldNames = map[string]struct{}{
	"_id":               {},
	"_versao":           {},
	"_versao_anterior":  {},
	"_schema_origem":    {},
	"_timestamp_versao": {},
	"dataCriacao":       {},
	"dataAtualizacao":   {},
	"dataEdicao":        {},
	"dataAtivacao":      {},
	"dataInativacao":    {},
}

// volatileFieldSuffixes catch audit-date fields nested under prefixed names,
// e.g. "eeDataCriacao" inside an embedded sub-object.
var volatileFieldSuffixes = []string{
	"dataCriacao",
	"dataAtualizacao",
	"dataEdicao",
	"dataAtivacao",
	"dataInativacao",
}

// auditNameFragments flag date fields by name fragments, covering mapping
// variants that rename audit columns. The matching is deliberately
// stringly-typed: the document shape is data-driven and a rigid schema would
// miss per-entity variants.
var auditNameFragments = []string{"criacao", "atualizacao", "ativacao", "inativacao"}

// IsVolatileField reports whether a document field must be ignored during
// equivalence checking.
func IsVolatileField(name string) bool {
	if _, ok := volatileFieldNames[name]; ok {
		return true
	}
	for _, suffix := range volatileFieldSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	lower := strings.ToLower(name)
	if strings.Contains(lower, "data") {
		for _, fragment := range auditNameFragments {
			if strings.Contains(lower, fragment) {
				return true
			}
		}
	}
	return false
}

// StripVolatile removes volatile fields recursively, including inside arrays.
// The input is not modified.
func StripVolatile(value any) any {
	switch typed := value.(type) {
	case Document:
		return stripMap(typed)
	case map[string]any:
		return stripMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = StripVolatile(item)
		}
		return out
	default:
		return value
	}
}

func stripMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if IsVolatileField(key) {
			continue
		}
		out[key] = StripVolatile(value)
	}
	return out
}

const canonicalInstantLayout = "2006-01-02T15:04:05"

// instantLayouts are the timestamp shapes a persisted document can carry
// after a JSONB round trip. Date-only strings are excluded on purpose: a
// plain date and an instant are distinct values.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// NormalizeValue collapses values to canonical comparison forms: instants
// truncate to whole seconds, every numeric kind widens to float64, booleans,
// strings and nil pass through, anything else falls back to its string form.
// Sub-second jitter and JSON number decoding must never register as a
// difference.
func NormalizeValue(value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case Document:
		return normalizeMap(typed)
	case map[string]any:
		return normalizeMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = NormalizeValue(item)
		}
		return out
	case time.Time:
		return typed.UTC().Truncate(time.Second).Format(canonicalInstantLayout)
	case string:
		return normalizeString(typed)
	case bool:
		return typed
	case float64:
		return typed
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint32:
		return float64(typed)
	case uint64:
		return float64(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = NormalizeValue(value)
	}
	return out
}

func normalizeString(value string) string {
	// Instants are at least "2006-01-02T15:04:05" long; shorter strings
	// (including date-only values) pass through untouched.
	if len(value) < len(canonicalInstantLayout) || value[4] != '-' {
		return value
	}
	for _, layout := range instantLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC().Truncate(time.Second).Format(canonicalInstantLayout)
		}
	}
	return value
}

// AreDifferent decides whether two documents represent distinct logical
// states. Volatile fields are stripped and the remaining values normalized
// before a deep structural comparison. Any internal failure counts as a
// difference: an extra version is recoverable, a silently dropped change is
// not.
func AreDifferent(previous, candidate Document) (different bool) {
	defer func() {
		if recover() != nil {
			different = true
		}
	}()

	cleanPrevious := NormalizeValue(StripVolatile(previous))
	cleanCandidate := NormalizeValue(StripVolatile(candidate))
	return !reflect.DeepEqual(cleanPrevious, cleanCandidate)
}
