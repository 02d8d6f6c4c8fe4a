package mapping

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"

	"github.com/tidwall/gjson"
)

// ApplyMapping translates record between the internal and external
// representation. Outbound reads internal fields and writes external ones;
// inbound does the reverse, reading external fields as gjson paths.
//
// The input is never modified. A missing required field, a failed transform or
// a validation violation fails the whole record with a MappingError.
func ApplyMapping(record map[string]interface{}, mappings []FieldMapping, dir models.Direction) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(mappings))

	var raw []byte
	if dir == models.Inbound {
		b, err := json.Marshal(record)
		if err != nil {
			return nil, &apperr.MappingError{Reason: "record is not JSON encodable: " + err.Error()}
		}
		raw = b
	}

	for _, m := range mappings {
		source, target := m.InternalField, m.ExternalField
		if dir == models.Inbound {
			source, target = m.ExternalField, m.InternalField
		}

		var value interface{}
		if dir == models.Inbound {
			if r := gjson.GetBytes(raw, source); r.Exists() {
				value = r.Value()
			}
		} else {
			value = lookup(record, source)
		}

		if isEmpty(value) {
			if m.IsRequired {
				return nil, &apperr.MappingError{Field: source, Reason: "is required"}
			}
			continue
		}

		if m.Transform != "" {
			v, err := applyTransform(m.Transform, dir, value)
			if err != nil {
				return nil, &apperr.MappingError{Field: source, Reason: fmt.Sprintf("transform %s failed: %v", m.Transform, err)}
			}
			value = v
		}

		if m.Validation != nil {
			if reason := checkValidation(value, m.Validation); reason != "" {
				return nil, &apperr.MappingError{Field: source, Reason: reason}
			}
		}

		assign(out, target, value)
	}

	return out, nil
}

var patterns sync.Map // pattern -> *regexp.Regexp

// compilePattern compiles a validation pattern once per process.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	actual, _ := patterns.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func checkValidation(value interface{}, rules *FieldValidation) string {
	s := stringify(value)
	if rules.MaxLength > 0 && utf8.RuneCountInString(s) > rules.MaxLength {
		return fmt.Sprintf("exceeds max length %d", rules.MaxLength)
	}
	if rules.Pattern != "" {
		re, err := compilePattern(rules.Pattern)
		if err != nil {
			return "has an invalid validation pattern"
		}
		if !re.MatchString(s) {
			return fmt.Sprintf("does not match pattern %s", rules.Pattern)
		}
	}
	if len(rules.AllowedValues) > 0 {
		for _, allowed := range rules.AllowedValues {
			if allowed == s {
				return ""
			}
		}
		return fmt.Sprintf("value %q is not allowed", s)
	}
	return ""
}

// lookup reads a field, following dots into nested maps when there is no
// exact key.
func lookup(record map[string]interface{}, path string) interface{} {
	if v, ok := record[path]; ok {
		return v
	}
	current := record
	parts := strings.Split(path, ".")
	for i, p := range parts {
		v, ok := current[p]
		if !ok {
			return nil
		}
		if i == len(parts)-1 {
			return v
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

// assign writes value at a dotted path, creating intermediate objects.
func assign(out map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := out
	for _, p := range parts[:len(parts)-1] {
		next, ok := current[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[p] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// ExternalKey reads the external ID of an inbound record: the primary-key
// mapping's external field when one exists, otherwise "id". The path is a
// gjson path, read the same way ApplyMapping reads inbound fields.
func ExternalKey(record map[string]interface{}, mappings []FieldMapping) string {
	path := "id"
	if pk := PrimaryKey(mappings); pk != nil {
		path = pk.ExternalField
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return ""
	}
	r := gjson.GetBytes(raw, path)
	if !r.Exists() || isEmpty(r.Value()) {
		return ""
	}
	return stringify(r.Value())
}
