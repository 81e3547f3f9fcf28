package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"golang.org/x/sync/errgroup"
)

// DefaultBedrockModel is Amazon Titan Text Embeddings V2.
const DefaultBedrockModel = "amazon.titan-embed-text-v2:0"

// bedrockConcurrency bounds parallel InvokeModel calls within one batch.
const bedrockConcurrency = 4

// modelInvoker is the subset of the Bedrock runtime client the embedder uses.
type modelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// BedrockEmbedder generates embeddings with a Titan model on Amazon Bedrock.
// Titan embeds one text per request, so batches fan out over a bounded group.
type BedrockEmbedder struct {
	client    modelInvoker
	model     string
	dimension int
	logger    *slog.Logger
}

var _ Embedder = (*BedrockEmbedder)(nil)

// NewBedrockEmbedder loads AWS credentials from the default chain.
func NewBedrockEmbedder(ctx context.Context, region, model string, dimension int, logger *slog.Logger) (*BedrockEmbedder, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockEmbedder(bedrockruntime.NewFromConfig(awsCfg), model, dimension, logger), nil
}

func newBedrockEmbedder(client modelInvoker, model string, dimension int, logger *slog.Logger) *BedrockEmbedder {
	if model == "" {
		model = DefaultBedrockModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BedrockEmbedder{client: client, model: model, dimension: dimension, logger: logger}
}

// Embed generates an embedding vector for text.
func (b *BedrockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanRequest{InputText: text, Dimensions: b.dimension, Normalize: true})
	if err != nil {
		return nil, fmt.Errorf("marshal titan request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", b.model, err)
	}

	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode titan response: %w", err)
	}
	if len(resp.Embedding) != b.dimension {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(resp.Embedding), b.dimension)
	}
	b.logger.Debug("bedrock embedding complete", "model", b.model, "tokens", resp.InputTextTokenCount)
	return resp.Embedding, nil
}

// EmbedBatch embeds texts concurrently. Any failure fails the whole batch.
func (b *BedrockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bedrockConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			v, err := b.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Model returns the Bedrock model id.
func (b *BedrockEmbedder) Model() string {
	return b.model
}

// Dimension returns the requested output dimension.
func (b *BedrockEmbedder) Dimension() int {
	return b.dimension
}
