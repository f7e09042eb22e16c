package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/vector"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

const (
	fieldPointID    = "point_id"
	fieldEmbedding  = "embedding"
	fieldDocumentID = "document_id"
	fieldChunkIndex = "chunk_index"
	fieldText       = "text"
	fieldCreatedAt  = "created_at"

	maxTextLength = 8192
)

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	Nlist          int
	Nprobe         int
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	nlist          int
	nprobe         int
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return newClient(c, cfg), nil
}

func newClient(api client.Client, cfg Config) *Client {
	if cfg.Nlist <= 0 {
		cfg.Nlist = 1024
	}
	if cfg.Nprobe <= 0 {
		cfg.Nprobe = 16
	}
	return &Client{
		client:         api,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		nlist:          cfg.Nlist,
		nprobe:         cfg.Nprobe,
	}
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.load(ctx)
	}

	if err := z.client.CreateCollection(ctx, z.schema(), entity.DefaultShardNumber); err != nil {
		// another process may have created it between the check and the create
		exists, checkErr := z.client.HasCollection(ctx, z.collectionName)
		if checkErr != nil || !exists {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		logger.Info("Collection created concurrently", zap.String("collection", z.collectionName))
		return z.load(ctx)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, z.nlist)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.load(ctx); err != nil {
		return err
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Client) load(ctx context.Context) error {
	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func (z *Client) schema() *entity.Schema {
	return &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Contract chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldPointID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.vectorDim)},
			},
			{Name: fieldDocumentID, DataType: entity.FieldTypeInt64},
			{Name: fieldChunkIndex, DataType: entity.FieldTypeInt64},
			{
				Name:       fieldText,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": strconv.Itoa(maxTextLength)},
			},
			{Name: fieldCreatedAt, DataType: entity.FieldTypeInt64},
		},
	}
}

func (z *Client) Upsert(ctx context.Context, rec vector.Record) (string, error) {
	if err := vector.CheckDimension(rec.Vector, z.vectorDim); err != nil {
		return "", err
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	pointID := uuid.NewString()

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldPointID, []string{pointID}),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, [][]float32{rec.Vector}),
		entity.NewColumnInt64(fieldDocumentID, []int64{rec.DocumentID}),
		entity.NewColumnInt64(fieldChunkIndex, []int64{int64(rec.ChunkIndex)}),
		entity.NewColumnVarChar(fieldText, []string{truncate(rec.Text, maxTextLength)}),
		entity.NewColumnInt64(fieldCreatedAt, []int64{created.Unix()}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert vector: %w", err)
	}

	return pointID, nil
}

func (z *Client) Flush(ctx context.Context) error {
	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (z *Client) Search(ctx context.Context, query []float32, opts vector.SearchOptions) ([]vector.SearchResult, error) {
	if err := vector.CheckDimension(query, z.vectorDim); err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(z.nprobe)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	expr := documentFilter(opts.DocumentIDs)
	topK := opts.Limit
	if topK <= 0 {
		topK = 10
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		[]string{fieldPointID, fieldDocumentID, fieldChunkIndex, fieldText},
		[]entity.Vector{entity.FloatVector(query)},
		fieldEmbedding,
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.SearchResult, 0, topK)
	for _, sr := range searchResult {
		pointCol := sr.Fields.GetColumn(fieldPointID)
		docCol := sr.Fields.GetColumn(fieldDocumentID)
		indexCol := sr.Fields.GetColumn(fieldChunkIndex)
		textCol := sr.Fields.GetColumn(fieldText)
		if pointCol == nil || docCol == nil || indexCol == nil || textCol == nil {
			return nil, fmt.Errorf("search result is missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			pointID, err := stringAt(pointCol, i)
			if err != nil {
				return nil, err
			}
			docID, err := int64At(docCol, i)
			if err != nil {
				return nil, err
			}
			chunkIndex, err := int64At(indexCol, i)
			if err != nil {
				return nil, err
			}
			text, err := stringAt(textCol, i)
			if err != nil {
				return nil, err
			}

			results = append(results, vector.SearchResult{
				PointID:    pointID,
				Score:      sr.Scores[i],
				DocumentID: docID,
				ChunkIndex: int(chunkIndex),
				Text:       text,
			})
		}
	}

	results = vector.Rank(results, opts.ScoreThreshold, topK)

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)

	return results, nil
}

func (z *Client) DeleteByDocument(ctx context.Context, documentID int64) error {
	expr := fmt.Sprintf("%s == %d", fieldDocumentID, documentID)
	if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete vectors for document %d: %w", documentID, err)
	}
	logger.Info("Vectors deleted", zap.Int64("document_id", documentID))
	return nil
}

func stringAt(col entity.Column, i int) (string, error) {
	v, err := col.Get(i)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", col.Name(), err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type %T for %s", v, col.Name())
	}
	return s, nil
}

func int64At(col entity.Column, i int) (int64, error) {
	v, err := col.Get(i)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", col.Name(), err)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T for %s", v, col.Name())
	}
	return n, nil
}

func documentFilter(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s in [%s]", fieldDocumentID, strings.Join(parts, ","))
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
