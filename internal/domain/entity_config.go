package domain

import (
	"fmt"
	"strings"
)

// ActivityPredicate restricts an entity type to rows in a given situation,
// typically "active". Rows failing the predicate are excluded from document
// assembly even when their columns changed.
type ActivityPredicate struct {
	Column string `mapstructure:"column"`
	Value  int    `mapstructure:"value"`
}

// LookupRelation denormalizes a foreign key into a {id, descricao} sub-object
// on the document.
type LookupRelation struct {
	DocumentField      string `mapstructure:"document_field"`
	Table              string `mapstructure:"table"`
	ForeignKey         string `mapstructure:"foreign_key"`
	KeyColumn          string `mapstructure:"key_column"`
	DescriptionColumn  string `mapstructure:"description_column"`
	DefaultDescription string `mapstructure:"default_description"`
}

// ChildRelation embeds a dependent table as an array of sub-documents.
type ChildRelation struct {
	DocumentField string           `mapstructure:"document_field"`
	Table         string           `mapstructure:"table"`
	ForeignKey    string           `mapstructure:"foreign_key"`
	PrimaryKey    string           `mapstructure:"primary_key"`
	Lookups       []LookupRelation `mapstructure:"lookups"`
}

// EntityConfig is the declarative description of one monitored entity type.
// Everything the pipeline needs for an entity, source table, change
// heuristic, activity rule and document shape, lives here instead of in
// per-entity code.
type EntityConfig struct {
	Name            string             `mapstructure:"name"`
	Table           string             `mapstructure:"table"`
	PrimaryKey      string             `mapstructure:"primary_key"`
	AuditColumn     string             `mapstructure:"audit_column"`
	LogicalIDField  string             `mapstructure:"logical_id_field"`
	Activity        *ActivityPredicate `mapstructure:"activity"`
	DateOnlyColumns []string           `mapstructure:"date_only_columns"`
	Lookups         []LookupRelation   `mapstructure:"lookups"`
	Children        []ChildRelation    `mapstructure:"children"`
}

// Validate reports every structural problem at once instead of failing on
// the first one.
func (c EntityConfig) Validate() error {
	var problems []string

	if c.Name == "" {
		problems = append(problems, "name is required")
	}
	if c.Table == "" {
		problems = append(problems, "table is required")
	}
	if c.PrimaryKey == "" {
		problems = append(problems, "primary_key is required")
	}
	if c.AuditColumn == "" {
		problems = append(problems, "audit_column is required")
	}
	if c.LogicalIDField == "" {
		problems = append(problems, "logical_id_field is required")
	}
	if c.Activity != nil && c.Activity.Column == "" {
		problems = append(problems, "activity.column is required when activity is set")
	}

	for i, lookup := range c.Lookups {
		problems = append(problems, lookup.validate(fmt.Sprintf("lookups[%d]", i))...)
	}
	for i, child := range c.Children {
		prefix := fmt.Sprintf("children[%d]", i)
		if child.DocumentField == "" {
			problems = append(problems, prefix+".document_field is required")
		}
		if child.Table == "" {
			problems = append(problems, prefix+".table is required")
		}
		if child.ForeignKey == "" {
			problems = append(problems, prefix+".foreign_key is required")
		}
		if child.PrimaryKey == "" {
			problems = append(problems, prefix+".primary_key is required")
		}
		for j, lookup := range child.Lookups {
			problems = append(problems, lookup.validate(fmt.Sprintf("%s.lookups[%d]", prefix, j))...)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid entity config %q: %s", c.Name, strings.Join(problems, "; "))
	}
	return nil
}

func (l LookupRelation) validate(prefix string) []string {
	var problems []string
	if l.DocumentField == "" {
		problems = append(problems, prefix+".document_field is required")
	}
	if l.Table == "" {
		problems = append(problems, prefix+".table is required")
	}
	if l.ForeignKey == "" {
		problems = append(problems, prefix+".foreign_key is required")
	}
	if l.KeyColumn == "" {
		problems = append(problems, prefix+".key_column is required")
	}
	if l.DescriptionColumn == "" {
		problems = append(problems, prefix+".description_column is required")
	}
	return problems
}

// IsDateOnly reports whether the column carries a calendar date with no time
// component. Date-only values are rendered as YYYY-MM-DD instead of a full
// instant.
func (c EntityConfig) IsDateOnly(column string) bool {
	for _, candidate := range c.DateOnlyColumns {
		if strings.EqualFold(candidate, column) {
			return true
		}
	}
	return false
}
