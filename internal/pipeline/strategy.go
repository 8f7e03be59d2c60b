package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"document-formatter/internal/blob"
	"document-formatter/internal/classifier"
	"document-formatter/internal/config"
	"document-formatter/internal/docx"
	"document-formatter/internal/engine"
	"document-formatter/internal/models"
)

// Real downloads the uploaded source and hands it to a transformation engine.
type Real struct {
	blobs   blob.Store
	engine  engine.Engine
	timeout time.Duration
}

func NewReal(blobs blob.Store, eng engine.Engine, timeout time.Duration) *Real {
	return &Real{blobs: blobs, engine: eng, timeout: timeout}
}

func (s *Real) Name() string    { return config.StrategyReal }
func (s *Real) Backend() string { return s.engine.Name() }

func (s *Real) Fetch(ctx context.Context, job models.Job, dir string) (string, error) {
	if job.SourceLocation == "" {
		return "", fmt.Errorf("job %s has no source location", job.ID)
	}
	data, err := s.blobs.Get(ctx, job.SourceLocation)
	if err != nil {
		return "", fmt.Errorf("download source: %w", err)
	}
	return writeSource(dir, job, data)
}

func (s *Real) Transform(ctx context.Context, job models.Job, inputPath, outputPath string) (engine.Stats, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.engine.Transform(ctx, engine.Request{
		InputPath:  inputPath,
		OutputPath: outputPath,
		Style:      job.Style,
		Variant:    job.Variant,
	})
}

// Simulated walks the same milestones with fixed delays and a synthetic
// result, for demos and tests without an engine.
type Simulated struct {
	blobs blob.Store
	delay time.Duration
}

func NewSimulated(blobs blob.Store, delay time.Duration) *Simulated {
	return &Simulated{blobs: blobs, delay: delay}
}

func (s *Simulated) Name() string    { return config.StrategySimulated }
func (s *Simulated) Backend() string { return "simulated" }

// Fetch uses the uploaded source when it can be read and a placeholder
// document otherwise.
func (s *Simulated) Fetch(ctx context.Context, job models.Job, dir string) (string, error) {
	if err := sleep(ctx, s.delay); err != nil {
		return "", err
	}
	if job.SourceLocation != "" {
		if data, err := s.blobs.Get(ctx, job.SourceLocation); err == nil {
			return writeSource(dir, job, data)
		}
	}
	p := filepath.Join(dir, "source.docx")
	paras := []docx.Paragraph{
		{Text: strings.TrimSuffix(job.Filename, path.Ext(job.Filename))},
		{Text: "This document was produced by the simulated formatting pipeline."},
	}
	if err := docx.WriteFile(p, paras); err != nil {
		return "", err
	}
	return p, nil
}

func (s *Simulated) Transform(ctx context.Context, job models.Job, inputPath, outputPath string) (engine.Stats, error) {
	if err := sleep(ctx, s.delay); err != nil {
		return engine.Stats{}, err
	}
	in, err := docx.ReadFile(inputPath)
	if err != nil {
		return engine.Stats{}, engine.Fail(s.Backend(), engine.CategoryRejected, err)
	}
	out := make([]docx.Paragraph, 0, len(in))
	for i, p := range in {
		text := strings.Join(strings.Fields(p.Text), " ")
		if text == "" {
			continue
		}
		style := p.Style
		if i == 0 && style == "" {
			style = "Title"
		}
		out = append(out, docx.Paragraph{Style: style, Text: text})
	}
	if err := docx.WriteFile(outputPath, out); err != nil {
		return engine.Stats{}, err
	}
	if err := sleep(ctx, s.delay); err != nil {
		return engine.Stats{}, err
	}
	return engine.Stats{Backend: s.Backend(), Paragraphs: len(out), WordCount: docx.WordCount(out)}, nil
}

// NewStrategy builds the strategy named by cfg.PipelineStrategy.
func NewStrategy(cfg config.Config, blobs blob.Store, eng engine.Engine) (Strategy, error) {
	switch cfg.PipelineStrategy {
	case config.StrategyReal, "":
		if eng == nil {
			return nil, fmt.Errorf("real pipeline strategy requires an engine")
		}
		return NewReal(blobs, eng, cfg.EngineTimeout), nil
	case config.StrategySimulated:
		return NewSimulated(blobs, cfg.SimulatedStepDelay), nil
	default:
		return nil, fmt.Errorf("unknown pipeline strategy %q", cfg.PipelineStrategy)
	}
}

// NewFromConfig builds the runner described by cfg. The engine is only
// initialised for the real strategy.
func NewFromConfig(ctx context.Context, cfg config.Config, repo Repository, blobs blob.Store, logger zerolog.Logger) (*Runner, error) {
	var eng engine.Engine
	if cfg.PipelineStrategy != config.StrategySimulated {
		var err error
		if eng, err = engine.New(ctx, cfg); err != nil {
			return nil, err
		}
	}
	strategy, err := NewStrategy(cfg, blobs, eng)
	if err != nil {
		return nil, err
	}
	return NewRunner(repo, blobs, strategy, classifier.Default(), logger, cfg.WorkspaceDir), nil
}

func writeSource(dir string, job models.Job, data []byte) (string, error) {
	ext := strings.ToLower(path.Ext(job.SourceLocation))
	if ext == "" {
		ext = ".docx"
	}
	p := filepath.Join(dir, "source"+ext)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("write source: %w", err)
	}
	return p, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
