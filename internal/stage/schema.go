package stage

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/researchd/internal/coerce"
)

// FieldKind selects the coercion applied to one schema field.
type FieldKind string

const (
	KindEnum       FieldKind = "enum"
	KindNumber     FieldKind = "number"
	KindString     FieldKind = "string"
	KindStringList FieldKind = "string_list"
	KindBool       FieldKind = "bool"
)

// FieldSpec declares one typed field of a stage's output.
type FieldSpec struct {
	Name string    `yaml:"name"`
	Kind FieldKind `yaml:"kind"`

	// Enum fields: Table names an entry in the coercion tables; Members
	// is an inline fallback when no table is configured. EnumDefault
	// must be a member.
	Table       string            `yaml:"table,omitempty"`
	Members     []string          `yaml:"members,omitempty"`
	Synonyms    map[string]string `yaml:"synonyms,omitempty"`
	EnumDefault string            `yaml:"enum_default,omitempty"`

	// Number fields.
	Min           float64 `yaml:"min,omitempty"`
	Max           float64 `yaml:"max,omitempty"`
	NumberDefault float64 `yaml:"number_default,omitempty"`

	// String and string-list fields.
	MaxLen   int  `yaml:"max_len,omitempty"`
	MaxItems int  `yaml:"max_items,omitempty"`
	Optional bool `yaml:"optional,omitempty"`

	// Bool fields.
	BoolDefault bool `yaml:"bool_default,omitempty"`
}

// Schema declares the typed shape of one stage's output. Normalize never
// fails: every declared field lands in the payload with an in-domain
// value, whatever the raw output looked like. Raw fields the schema does
// not declare are ignored.
type Schema struct {
	Fields []FieldSpec `yaml:"fields"`

	// ClarifyFlagField and ClarifyQuestionField, when set, name the raw
	// fields a stage uses to request a mid-pipeline pause. The flag is
	// read from the normalized output, not from an error path.
	ClarifyFlagField     string `yaml:"clarify_flag_field,omitempty"`
	ClarifyQuestionField string `yaml:"clarify_question_field,omitempty"`
}

const (
	defaultMaxLen   = 4000
	defaultMaxItems = 50
	questionMaxLen  = 1000
)

// Validate rejects schemas that cannot uphold the always-valid guarantee
// and uppercases inline enum vocabulary so it compares against normalized
// input.
func (s *Schema) Validate() error {
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("schema field with empty name")
		}
		switch f.Kind {
		case KindEnum:
			if f.Table == "" && len(f.Members) == 0 {
				return fmt.Errorf("enum field %q needs a table or inline members", f.Name)
			}
			for j, m := range f.Members {
				f.Members[j] = strings.ToUpper(strings.TrimSpace(m))
			}
			if len(f.Synonyms) > 0 {
				upper := make(map[string]string, len(f.Synonyms))
				for k, v := range f.Synonyms {
					upper[strings.ToUpper(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
				}
				f.Synonyms = upper
			}
			f.EnumDefault = strings.ToUpper(strings.TrimSpace(f.EnumDefault))
		case KindNumber:
			if f.Min > f.Max {
				return fmt.Errorf("number field %q has min > max", f.Name)
			}
		case KindString, KindStringList, KindBool:
		default:
			return fmt.Errorf("field %q has unknown kind %q", f.Name, f.Kind)
		}
	}
	return nil
}

// Normalize coerces raw into the declared payload shape. The returned
// result carries the coerced flag and warnings for observability; there is
// no error path.
func (s *Schema) Normalize(raw map[string]any, tables *coerce.Tables) (map[string]any, *coerce.Result) {
	res := &coerce.Result{}
	payload := make(map[string]any, len(s.Fields))

	for _, f := range s.Fields {
		value, present := rawLookup(raw, f.Name)
		if !present && !f.Optional {
			res.Coerced = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("field %q missing from raw output", f.Name))
		}

		fieldRes := &coerce.Result{}
		switch f.Kind {
		case KindEnum:
			members, synonyms := s.enumVocabulary(f, tables)
			payload[f.Name] = coerce.Enum(value, members, f.EnumDefault, synonyms, fieldRes)
		case KindNumber:
			payload[f.Name] = coerce.Number(value, f.NumberDefault, f.Min, f.Max, fieldRes)
		case KindString:
			maxLen := f.MaxLen
			if maxLen == 0 {
				maxLen = defaultMaxLen
			}
			if f.Optional {
				str, ok := coerce.OptionalString(value, maxLen, fieldRes)
				if ok {
					payload[f.Name] = str
				}
			} else {
				payload[f.Name] = coerce.String(value, maxLen, fieldRes)
			}
		case KindStringList:
			maxLen := f.MaxLen
			if maxLen == 0 {
				maxLen = defaultMaxLen
			}
			maxItems := f.MaxItems
			if maxItems == 0 {
				maxItems = defaultMaxItems
			}
			payload[f.Name] = coerce.Array(value, maxItems, func(v any, r *coerce.Result) (any, bool) {
				str, ok := coerce.OptionalString(v, maxLen, r)
				return str, ok
			}, fieldRes)
		case KindBool:
			payload[f.Name] = coerce.Bool(value, f.BoolDefault, fieldRes)
		}

		for i, w := range fieldRes.Warnings {
			fieldRes.Warnings[i] = fmt.Sprintf("%s: %s", f.Name, w)
		}
		res.Merge(fieldRes)
	}
	return payload, res
}

// ClarificationSignal extracts the pause request from raw output. The
// question is bounded and cleaned like any other string field.
func (s *Schema) ClarificationSignal(raw map[string]any) (bool, string) {
	if s.ClarifyFlagField == "" {
		return false, ""
	}
	flagRaw, _ := rawLookup(raw, s.ClarifyFlagField)
	if !coerce.Bool(flagRaw, false, nil) {
		return false, ""
	}
	questionRaw, _ := rawLookup(raw, s.ClarifyQuestionField)
	question, ok := coerce.OptionalString(questionRaw, questionMaxLen, nil)
	if !ok {
		question = "The pipeline needs additional input to continue."
	}
	return true, question
}

func (s *Schema) enumVocabulary(f FieldSpec, tables *coerce.Tables) ([]string, map[string]string) {
	if f.Table != "" {
		if table, ok := tables.Lookup(f.Table); ok {
			return table.Members, mergeSynonyms(table.Synonyms, f.Synonyms)
		}
	}
	return f.Members, f.Synonyms
}

func mergeSynonyms(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func rawLookup(raw map[string]any, name string) (any, bool) {
	if raw == nil {
		return nil, false
	}
	v, ok := raw[name]
	return v, ok
}
