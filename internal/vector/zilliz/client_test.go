package zilliz

import (
	"testing"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentFilter(t *testing.T) {
	assert.Equal(t, "", documentFilter(nil))
	assert.Equal(t, "document_id in [7]", documentFilter([]int64{7}))
	assert.Equal(t, "document_id in [1,22,333]", documentFilter([]int64{1, 22, 333}))
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	s := "ééééé"
	out := truncate(s, 5)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "éé", out)
}

func TestSchemaDimensionAndPrimaryKey(t *testing.T) {
	c := &Client{collectionName: "contract_chunks", vectorDim: 384}
	schema := c.schema()

	require.Equal(t, "contract_chunks", schema.CollectionName)
	var pk, vec *entity.Field
	for _, f := range schema.Fields {
		if f.PrimaryKey {
			pk = f
		}
		if f.DataType == entity.FieldTypeFloatVector {
			vec = f
		}
	}
	require.NotNil(t, pk)
	require.NotNil(t, vec)
	assert.Equal(t, fieldPointID, pk.Name)
	assert.Equal(t, "384", vec.TypeParams["dim"])
}
