package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAreDifferentIgnoresAuditTimestampDrift(t *testing.T) {
	base := Document{
		"idUnidadeFamiliar":      "uf-1",
		"possuiMaoObraContratada": false,
		"dataAtualizacao":        time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		"dataCriacao":            "2025-01-01",
	}
	drifted := base.Clone()
	drifted["dataAtualizacao"] = time.Date(2025, 7, 15, 23, 59, 59, 0, time.UTC)
	drifted["dataCriacao"] = "2025-01-02"

	if AreDifferent(base, drifted) {
		t.Fatalf("audit timestamp drift must not register as a difference")
	}
}

func TestAreDifferentIgnoresNestedAuditFields(t *testing.T) {
	base := Document{
		"idUnidadeFamiliar": "uf-1",
		"entidadeEmissora": map[string]any{
			"cnpj":           "12345678000190",
			"dataCriacao":    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			"dataInativacao": nil,
		},
		"enquadramentoRendas": []any{
			map[string]any{
				"id":          "enq-1",
				"dataEdicao":  "2025-06-01T10:00:00Z",
				"tipoEnquadramentoRenda": map[string]any{"id": float64(3), "descricao": "V"},
			},
		},
	}
	changed := Document{
		"idUnidadeFamiliar": "uf-1",
		"entidadeEmissora": map[string]any{
			"cnpj":           "12345678000190",
			"dataCriacao":    time.Date(2025, 8, 30, 12, 0, 0, 0, time.UTC),
			"dataInativacao": "2025-08-30T12:00:00Z",
		},
		"enquadramentoRendas": []any{
			map[string]any{
				"id":          "enq-1",
				"dataEdicao":  "2025-08-30T12:00:00Z",
				"tipoEnquadramentoRenda": map[string]any{"id": float64(3), "descricao": "V"},
			},
		},
	}

	if AreDifferent(base, changed) {
		t.Fatalf("nested audit fields must be stripped at every depth")
	}
}

func TestAreDifferentSubSecondStability(t *testing.T) {
	base := Document{
		"momento": time.Date(2025, 6, 1, 10, 30, 45, 123456789, time.UTC),
	}
	jittered := Document{
		"momento": "2025-06-01T10:30:45.987654321Z",
	}

	if AreDifferent(base, jittered) {
		t.Fatalf("sub-second precision must never cause a difference")
	}
}

func TestAreDifferentDetectsRealFieldChange(t *testing.T) {
	base := Document{"idUnidadeFamiliar": "uf-1", "possuiMaoObraContratada": false}
	changed := Document{"idUnidadeFamiliar": "uf-1", "possuiMaoObraContratada": true}

	if !AreDifferent(base, changed) {
		t.Fatalf("a mapped field change must register as a difference")
	}
}

func TestAreDifferentDetectsChildArrayChange(t *testing.T) {
	base := Document{
		"idUnidadeFamiliar": "uf-1",
		"enquadramentoRendas": []any{
			map[string]any{"id": "enq-1", "tipoEnquadramentoRenda": map[string]any{"id": float64(3), "descricao": "V"}},
		},
	}
	extended := Document{
		"idUnidadeFamiliar": "uf-1",
		"enquadramentoRendas": []any{
			map[string]any{"id": "enq-1", "tipoEnquadramentoRenda": map[string]any{"id": float64(3), "descricao": "V"}},
			map[string]any{"id": "enq-2", "tipoEnquadramentoRenda": map[string]any{"id": float64(4), "descricao": "A"}},
		},
	}

	if !AreDifferent(base, extended) {
		t.Fatalf("a changed child array must register as a difference")
	}
}

func TestAreDifferentSurvivesJSONBRoundTrip(t *testing.T) {
	built := Document{
		"idUnidadeFamiliar": "uf-1",
		"tipoSituacao":      map[string]any{"id": int64(1), "descricao": "ATIVA"},
		"dataAtivacao":      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		"descricaoInativacao": nil,
	}

	raw, err := built.ToJSONB()
	if err != nil {
		t.Fatalf("marshal returned error: %v", err)
	}
	persisted, err := FromJSONBDocument(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}

	if AreDifferent(persisted, built) {
		t.Fatalf("a JSONB round trip must not register as a difference")
	}
}

func TestIsVolatileField(t *testing.T) {
	volatile := []string{
		"_id", "_versao", "_versao_anterior", "_schema_origem", "_timestamp_versao",
		"dataCriacao", "dataAtualizacao", "dataEdicao", "eeDataCriacao", "dataPrimeiraAtivacao",
	}
	for _, name := range volatile {
		if !IsVolatileField(name) {
			t.Fatalf("expected %q to be volatile", name)
		}
	}

	stable := []string{"id", "descricao", "dataValidade", "cnpj", "numeroCaf"}
	for _, name := range stable {
		if IsVolatileField(name) {
			t.Fatalf("expected %q to be stable", name)
		}
	}
}

func TestNormalizeValueWidensNumbers(t *testing.T) {
	if NormalizeValue(int64(42)) != float64(42) {
		t.Fatalf("int64 must normalize to float64")
	}
	if NormalizeValue(int32(7)) != float64(7) {
		t.Fatalf("int32 must normalize to float64")
	}
	if NormalizeValue("2025-06-01") != "2025-06-01" {
		t.Fatalf("date-only strings must pass through untouched")
	}
}
