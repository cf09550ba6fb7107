package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
)

const DefaultModel = "gemini-2.5-flash"

// maxPromptDescription caps the description sent to the model.
const maxPromptDescription = 20000

// TextExpander turns a prompt into text. The pipeline treats it as opaque.
type TextExpander interface {
	Expand(ctx context.Context, prompt string) (string, error)
}

// LLMService is the Gemini-backed TextExpander.
type LLMService struct {
	Client llms.Model
}

func NewLLMService(ctx context.Context, apiKey, model string) (*LLMService, error) {
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	if model == "" {
		model = DefaultModel
	}
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &LLMService{Client: llm}, nil
}

func (s *LLMService) Expand(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s.Client, prompt, llms.WithTemperature(0))
}

const jobAnalysisPrompt = `
You are an expert Job Data Extraction Agent. Analyze the job description below and extract structured data.

### INSTRUCTIONS:
1. **Ignore** benefits, company boilerplate and equal-opportunity statements.
2. **Extract** the following fields strictly.
3. **Format** the output as valid JSON only. Do not wrap the output in markdown code blocks.

### OUTPUT SCHEMA:
{
    "keywords": ["Array", "of", "technologies", "and", "skills", "e.g., Go, React, AWS"],
    "responsibilities": ["One short sentence per responsibility"],
    "qualifications": ["One short sentence per required or preferred qualification"]
}

### CONSTRAINT:
If a field has nothing to extract, return an empty array. Do not hallucinate or guess.

### JOB TITLE:
%s

### DESCRIPTION:
%s
`

// Analysis is what the model extracts from one description.
type Analysis struct {
	Keywords         []string `json:"keywords"`
	Responsibilities []string `json:"responsibilities"`
	Qualifications   []string `json:"qualifications"`
}

type AnalyzeResult struct {
	Examined int `json:"examined"`
	Analyzed int `json:"analyzed"`
	Failed   int `json:"failed"`
}

// AnalystService fills the derived fields of enriched jobs and marks them
// processed.
type AnalystService struct {
	Jobs     store.JobStore
	Expander TextExpander
	Log      zerolog.Logger
}

func NewAnalystService(jobs store.JobStore, expander TextExpander, log zerolog.Logger) *AnalystService {
	return &AnalystService{
		Jobs:     jobs,
		Expander: expander,
		Log:      log.With().Str("component", "analyst").Logger(),
	}
}

// Analyze runs the model over up to limit unprocessed jobs that already
// carry a real description. limit <= 0 means all of them.
func (s *AnalystService) Analyze(ctx context.Context, limit int) (*AnalyzeResult, error) {
	if s.Expander == nil {
		return nil, errors.New("no text expander configured")
	}
	stale, err := s.Jobs.SelectStale(ctx, store.TimeRange{})
	if err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}

	res := &AnalyzeResult{}
	for i := range stale {
		job := &stale[i]
		if job.Processed || !job.HasRealDescription() {
			continue
		}
		if limit > 0 && res.Examined >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Examined++

		a, err := s.analyzeOne(ctx, job)
		if err != nil {
			res.Failed++
			s.Log.Warn().Err(err).Str("job_id", job.JobID).Msg("⚠️ analysis failed")
			continue
		}
		err = withTx(ctx, s.Jobs, func(tx store.JobTx) error {
			return tx.Update(ctx, job.JobID, map[string]any{
				models.ColKeywords:         a.Keywords,
				models.ColResponsibilities: a.Responsibilities,
				models.ColQualifications:   a.Qualifications,
				models.ColProcessed:        true,
			})
		})
		if err != nil {
			res.Failed++
			s.Log.Error().Err(err).Str("job_id", job.JobID).Msg("❌ store update failed")
			continue
		}
		res.Analyzed++
		s.Log.Info().Str("job_id", job.JobID).Int("keywords", len(a.Keywords)).Msg("🧠 job analyzed")
	}
	return res, nil
}

func (s *AnalystService) analyzeOne(ctx context.Context, job *models.Job) (*Analysis, error) {
	desc := job.DescriptionFull
	if r := []rune(desc); len(r) > maxPromptDescription {
		desc = string(r[:maxPromptDescription])
	}
	raw, err := s.Expander.Expand(ctx, fmt.Sprintf(jobAnalysisPrompt, job.Title, desc))
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(raw)
}

// ParseAnalysis decodes the model reply, tolerating a markdown code fence
// around the JSON.
func ParseAnalysis(raw string) (*Analysis, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	var a Analysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	a.Keywords = nonEmpty(a.Keywords)
	a.Responsibilities = nonEmpty(a.Responsibilities)
	a.Qualifications = nonEmpty(a.Qualifications)
	return &a, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
