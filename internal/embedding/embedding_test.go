package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/config"
)

type fakeLangChain struct {
	dim   int
	err   error
	calls int
}

func (f *fakeLangChain) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func (f *fakeLangChain) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func TestLangChainEmbedder(t *testing.T) {
	fake := &fakeLangChain{dim: 4}
	e := WrapLangChain(fake, "test-model", 4, nil)

	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0, 0, 0}, v)

	vs, err := e.EmbedBatch(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, float32(2), vs[1][0])

	empty, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 2, fake.calls)

	assert.Equal(t, "test-model", e.Model())
	assert.Equal(t, 4, e.Dimension())
}

func TestLangChainEmbedder_DimensionMismatch(t *testing.T) {
	e := WrapLangChain(&fakeLangChain{dim: 3}, "m", 4, nil)
	_, err := e.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestLangChainEmbedder_ProviderError(t *testing.T) {
	boom := errors.New("connection refused")
	e := WrapLangChain(&fakeLangChain{dim: 4, err: boom}, "m", 4, nil)
	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, boom)
}

type fakeInvoker struct {
	mu     sync.Mutex
	models []string
	fail   string
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	var req titanRequest
	if err := json.Unmarshal(in.Body, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.models = append(f.models, aws.ToString(in.ModelId))
	f.mu.Unlock()

	if req.InputText == f.fail {
		return nil, errors.New("throttled")
	}
	v := make([]float32, req.Dimensions)
	v[0] = float32(len(req.InputText))
	body, _ := json.Marshal(titanResponse{Embedding: v, InputTextTokenCount: 1})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func TestBedrockEmbedder(t *testing.T) {
	inv := &fakeInvoker{}
	b := newBedrockEmbedder(inv, "", 8, nil)
	assert.Equal(t, DefaultBedrockModel, b.Model())

	vs, err := b.EmbedBatch(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vs, 5)
	for i, v := range vs {
		assert.Len(t, v, 8)
		assert.Equal(t, float32(i+1), v[0], "results keep input order")
	}
	assert.Len(t, inv.models, 5)
	assert.Equal(t, DefaultBedrockModel, inv.models[0])
}

func TestBedrockEmbedder_BatchFailure(t *testing.T) {
	b := newBedrockEmbedder(&fakeInvoker{fail: "bad"}, "m", 8, nil)
	_, err := b.EmbedBatch(context.Background(), []string{"ok", "bad"})
	assert.ErrorContains(t, err, "throttled")
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder("", 64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "Return policy for shoes")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "return POLICY, shoes!")
	require.NoError(t, err)
	c, err := h.Embed(ctx, "quantum chromodynamics lecture")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, dot(a, a), 1e-5)
	assert.Greater(t, dot(a, b), dot(a, c))
	assert.Equal(t, b, mustEmbed(t, h, "return policy shoes"))

	empty := mustEmbed(t, h, "   ")
	assert.InDelta(t, 1.0, dot(empty, empty), 1e-6)

	ctxDone, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.EmbedBatch(ctxDone, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	cfg := config.Defaults()
	cfg.EmbedProvider = config.ProviderHash
	cfg.EmbedDimension = 32

	e, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimension())

	cfg.EmbedProvider = config.ProviderOpenAI
	cfg.OpenAIAPIKey = ""
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg.EmbedProvider = "nope"
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func mustEmbed(t *testing.T, e Embedder, text string) []float32 {
	t.Helper()
	v, err := e.Embed(context.Background(), text)
	require.NoError(t, err)
	return v
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
