package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	name string
	dims int
}

func (f *fakeModel) Name() string    { return f.name }
func (f *fakeModel) Version() string { return f.name }
func (f *fakeModel) Dimensions() int { return f.dims }
func (f *fakeModel) Close() error    { return nil }

func (f *fakeModel) Embed(text string) ([]float32, error) {
	return make([]float32, f.dims), nil
}

func (f *fakeModel) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

func TestRegistryGetAndDefault(t *testing.T) {
	reg := NewModelRegistry()
	reg.Register(ModelMetadata{Name: "Fake", Version: "fake", Dimensions: 8, Default: true}, func() (EmbeddingModel, error) {
		return &fakeModel{name: "fake", dims: 8}, nil
	})

	assert.Equal(t, "fake", reg.Default())

	model, err := reg.Get("fake")
	require.NoError(t, err)
	assert.Equal(t, 8, model.Dimensions())

	_, err = reg.Get("missing")
	assert.Error(t, err)
}

func TestRegistryList(t *testing.T) {
	reg := NewModelRegistry()
	reg.Register(ModelMetadata{Version: "a"}, func() (EmbeddingModel, error) { return &fakeModel{}, nil })
	reg.Register(ModelMetadata{Version: "b"}, func() (EmbeddingModel, error) { return &fakeModel{}, nil })

	assert.Len(t, reg.List(), 2)
}

func TestDefaultRegistryHasProviders(t *testing.T) {
	versions := make(map[string]bool)
	for _, meta := range ListModels() {
		versions[meta.Version] = true
	}
	assert.True(t, versions[OllamaModelVersion])
	assert.True(t, versions[OpenAIModelVersion])
	assert.Equal(t, OllamaModelVersion, GetDefaultModel())
}
