package embedding

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gomahq/goma/internal/config"
)

const (
	OllamaModelVersion   = "ollama"
	OllamaDefaultBaseURL = "http://localhost:11434"
	OllamaDefaultModel   = "all-minilm"
	ollamaHTTPTimeout    = 60 * time.Second
)

// ollamaModelDims maps known Ollama embedding models to their output
// dimension. The portfolio dataset is built with a 384-dimensional model,
// so all-minilm is the default.
var ollamaModelDims = map[string]int{
	"all-minilm":        384,
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
}

type ollamaModel struct {
	client     *http.Client
	baseURL    string
	modelName  string
	dimensions int
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        "Ollama",
		Version:     OllamaModelVersion,
		Dimensions:  384,
		Description: "Local embedding via Ollama REST API",
		Default:     true,
	}, newOllamaModel)
}

func newOllamaModel() (EmbeddingModel, error) {
	cfg := config.Get()

	baseURL := cfg.EmbedBaseURL
	if baseURL == "" {
		baseURL = OllamaDefaultBaseURL
	}
	modelName := cfg.EmbedModel
	if modelName == "" {
		modelName = OllamaDefaultModel
	}

	dims, ok := ollamaModelDims[modelName]
	if !ok {
		dims = 384
	}

	return &ollamaModel{
		client:     &http.Client{Timeout: ollamaHTTPTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		modelName:  modelName,
		dimensions: dims,
	}, nil
}

func (m *ollamaModel) Name() string    { return m.modelName }
func (m *ollamaModel) Version() string { return OllamaModelVersion }
func (m *ollamaModel) Dimensions() int { return m.dimensions }
func (m *ollamaModel) Close() error    { return nil }

func (m *ollamaModel) Embed(text string) ([]float32, error) {
	if text == "" {
		return make([]float32, m.dimensions), nil
	}
	results, err := m.embedRequest(text)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("ollama returned no embedding for model %s", m.modelName)
	}
	return results[0], nil
}

func (m *ollamaModel) EmbedBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results, err := m.embedRequest(texts)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs (model=%s)",
			len(results), len(texts), m.modelName)
	}
	return results, nil
}

func (m *ollamaModel) embedRequest(input any) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: m.modelName, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	resp, err := m.client.Post(m.baseURL+"/api/embed", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("send embedding request to %s: %w", m.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embedding error (model=%s, status=%d): %s",
			m.modelName, resp.StatusCode, strings.TrimSpace(string(bodySnippet)))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode embedding response from %s: %w", m.baseURL, err)
	}

	return embedResp.Embeddings, nil
}
