package mongostore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestDocument_NestedMetadata(t *testing.T) {
	t.Parallel()

	d := document{
		ID: "n1",
		Metadata: map[string]any{
			"user": bson.D{
				{Key: "name", Value: "Ann"},
				{Key: "tags", Value: bson.A{"vip", bson.D{{Key: "level", Value: "gold"}}}},
			},
			"extra":   bson.M{"source": "import"},
			"enabled": true,
		},
	}

	n := d.notification()

	assert.Equal(t, map[string]any{
		"user": map[string]any{
			"name": "Ann",
			"tags": []any{"vip", map[string]any{"level": "gold"}},
		},
		"extra":   map[string]any{"source": "import"},
		"enabled": true,
	}, n.Metadata)
}

func TestDocument_EmptyMetadata(t *testing.T) {
	t.Parallel()

	assert.Nil(t, document{ID: "n1"}.notification().Metadata)
	assert.Nil(t, document{ID: "n1", Metadata: map[string]any{}}.notification().Metadata)
}
