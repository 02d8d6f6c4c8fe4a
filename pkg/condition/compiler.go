package condition

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"school-integration/internal/common/apperr"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Compile turns request filters into a Mongo query. A plain value matches by
// equality; an object holds operators, e.g. {"grade": {"gte": 3, "lt": 6}}.
func Compile(filters map[string]any) (bson.M, error) {
	query := bson.M{}
	for field, v := range filters {
		if field == "" || strings.HasPrefix(field, "$") {
			return nil, apperr.Field("filters", fmt.Sprintf("field %q is not allowed", field))
		}

		ops, isMap := v.(map[string]any)
		if !isMap {
			query[field] = v
			continue
		}
		if len(ops) == 0 {
			return nil, apperr.Field("filters."+field, "needs at least one operator")
		}

		cond := bson.M{}
		for _, op := range sortedKeys(ops) {
			if err := compileOperator(cond, op, ops[op]); err != nil {
				return nil, apperr.Field("filters."+field, err.Error())
			}
		}
		query[field] = cond
	}
	return query, nil
}

func compileOperator(cond bson.M, op string, val any) error {
	switch op {
	case "eq", "ne", "gt", "lt", "gte", "lte":
		cond["$"+op] = val
	case "in", "nin":
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("%s operator requires a list", op)
		}
		cond["$"+op] = list
	case "exists":
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("exists operator requires true or false")
		}
		cond["$exists"] = b
	case "contains", "startsWith", "starts_with", "endsWith", "ends_with":
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("%s operator requires string value", op)
		}
		pattern := regexp.QuoteMeta(s)
		switch op {
		case "startsWith", "starts_with":
			pattern = "^" + pattern
		case "endsWith", "ends_with":
			pattern += "$"
		}
		cond["$regex"] = primitive.Regex{Pattern: pattern, Options: "i"}
	default:
		return fmt.Errorf("unknown operator: %s", op)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
