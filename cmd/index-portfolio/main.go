// Package main builds the portfolio embeddings dataset consumed by the
// goma worker. It reads a structured portfolio description, flattens it
// into retrievable chunks, embeds each chunk, and writes the dataset
// JSON.
package main

import (
	"flag"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gomahq/goma/internal/config"
	"github.com/gomahq/goma/internal/embedding"
	"github.com/gomahq/goma/internal/vector"
)

// Portfolio is the human-edited input document.
type Portfolio struct {
	Summary    string            `json:"summary"`
	Skills     []string          `json:"skills"`
	Contact    map[string]string `json:"contact"`
	Education  []Entry           `json:"education"`
	Experience []Entry           `json:"experience"`
	Projects   []Entry           `json:"projects"`
	Websites   []string          `json:"websites"`
}

// Entry is one education, experience, or project item.
type Entry struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Period      string `json:"period,omitempty"`
	URL         string `json:"url,omitempty"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	input := flag.String("input", "portfolio.json", "portfolio description to index")
	output := flag.String("output", config.EmbeddingsPath(), "embeddings dataset to write")
	provider := flag.String("provider", "", "embedding provider (defaults to configured)")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	if err := run(*input, *output, *provider); err != nil {
		log.Fatal().Err(err).Msg("Indexing failed")
	}
}

func run(input, output, provider string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read portfolio: %w", err)
	}

	var p Portfolio
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse portfolio: %w", err)
	}

	records := flatten(p)
	if len(records) == 0 {
		return fmt.Errorf("portfolio has no content to index")
	}

	if provider == "" {
		provider = config.Get().EmbedProvider
	}
	svc, err := embedding.NewServiceWithModel(provider)
	if err != nil {
		return fmt.Errorf("create embedding service: %w", err)
	}
	defer svc.Close()

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Content
	}

	log.Info().
		Int("chunks", len(texts)).
		Str("model", svc.Name()).
		Msg("Embedding portfolio chunks")

	embeddings, err := svc.EmbedBatch(texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	for i := range records {
		records[i].Embedding = embeddings[i]
	}

	dataset := struct {
		Model     string          `json:"model"`
		Dimension int             `json:"dimension"`
		Chunks    []vector.Record `json:"chunks"`
	}{
		Model:     svc.Name(),
		Dimension: svc.Dimensions(),
		Chunks:    records,
	}

	out, err := json.MarshalIndent(dataset, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	if err := os.WriteFile(output, out, 0600); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}

	log.Info().Str("path", output).Int("chunks", len(records)).Msg("Dataset written")
	return nil
}

// flatten turns the portfolio document into one record per retrievable
// fact, tagged with its category.
func flatten(p Portfolio) []vector.Record {
	var records []vector.Record

	add := func(category, content string, metadata map[string]any) {
		if content == "" {
			return
		}
		records = append(records, vector.Record{
			Category: category,
			Content:  content,
			Metadata: metadata,
		})
	}

	add("summary", p.Summary, nil)

	for _, skill := range p.Skills {
		add("skill", skill, nil)
	}

	for k, v := range p.Contact {
		add("contact", fmt.Sprintf("%s: %s", k, v), map[string]any{"kind": k})
	}

	for _, e := range p.Education {
		add("education", entryText(e), entryMeta(e))
	}
	for _, e := range p.Experience {
		add("experience", entryText(e), entryMeta(e))
	}
	for _, e := range p.Projects {
		add("project", entryText(e), entryMeta(e))
	}

	for _, site := range p.Websites {
		add("website", site, nil)
	}

	return records
}

func entryText(e Entry) string {
	text := e.Title
	if e.Period != "" {
		text += " (" + e.Period + ")"
	}
	if e.Description != "" {
		text += ": " + e.Description
	}
	return text
}

func entryMeta(e Entry) map[string]any {
	meta := make(map[string]any)
	if e.Period != "" {
		meta["period"] = e.Period
	}
	if e.URL != "" {
		meta["url"] = e.URL
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
