package condition

import (
	"testing"

	"school-integration/internal/common/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		filters map[string]any
		want    bson.M
	}{
		{
			name:    "equality",
			filters: map[string]any{"grade": float64(4), "status": "active"},
			want:    bson.M{"grade": float64(4), "status": "active"},
		},
		{
			name:    "range",
			filters: map[string]any{"grade": map[string]any{"gte": float64(3), "lt": float64(6)}},
			want:    bson.M{"grade": bson.M{"$gte": float64(3), "$lt": float64(6)}},
		},
		{
			name:    "in list",
			filters: map[string]any{"status": map[string]any{"in": []any{"active", "pending"}}},
			want:    bson.M{"status": bson.M{"$in": []any{"active", "pending"}}},
		},
		{
			name:    "starts with is escaped",
			filters: map[string]any{"email": map[string]any{"startsWith": "a.b"}},
			want:    bson.M{"email": bson.M{"$regex": primitive.Regex{Pattern: `^a\.b`, Options: "i"}}},
		},
		{
			name:    "exists",
			filters: map[string]any{"externalId": map[string]any{"exists": false}},
			want:    bson.M{"externalId": bson.M{"$exists": false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compile(tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_Rejects(t *testing.T) {
	tests := map[string]map[string]any{
		"top level operator": {"$where": "1"},
		"raw mongo operator": {"grade": map[string]any{"$gt": 1}},
		"unknown operator":   {"grade": map[string]any{"between": 1}},
		"in needs list":      {"status": map[string]any{"in": "active"}},
		"contains needs str": {"name": map[string]any{"contains": 3}},
		"empty operators":    {"grade": map[string]any{}},
	}

	for name, filters := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(filters)
			var ve *apperr.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}
