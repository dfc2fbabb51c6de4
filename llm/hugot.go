package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
)

// DefaultHugotModel produces 384-dimensional sentence embeddings.
const DefaultHugotModel = "sentence-transformers/all-MiniLM-L6-v2"

// hugotProvider embeds text locally with a hugot feature-extraction
// pipeline on the pure Go backend. The model is downloaded on first use.
type hugotProvider struct {
	cfg Config

	once    sync.Once
	initErr error
	mu      sync.Mutex // the pipeline is not safe for concurrent runs
	run     func([]string) ([][]float32, error)
	destroy func() error
}

// NewHugot creates a local embedding provider. Chat is not supported.
func NewHugot(cfg Config) Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultHugotModel
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = "./models"
	}
	return &hugotProvider{cfg: cfg}
}

func (p *hugotProvider) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	return nil, ErrChatUnsupported
}

func (p *hugotProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.once.Do(func() { p.initErr = p.init() })
	if p.initErr != nil {
		return nil, p.initErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(texts)
}

// Close releases the hugot session.
func (p *hugotProvider) Close() error {
	if p.destroy == nil {
		return nil
	}
	return p.destroy()
}

func (p *hugotProvider) init() error {
	start := time.Now()
	modelPath, err := prepareModel(p.cfg.Model, p.cfg.ModelDir)
	if err != nil {
		return err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return fmt.Errorf("creating hugot session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "kgrag-embedder",
	})
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return fmt.Errorf("creating embedding pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return fmt.Errorf("creating embedding pipeline: %w", err)
	}

	p.run = func(texts []string) ([][]float32, error) {
		result, err := pipeline.RunPipeline(texts)
		if err != nil {
			return nil, fmt.Errorf("generating embeddings: %w", err)
		}
		if len(result.Embeddings) != len(texts) {
			return nil, fmt.Errorf("hugot returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
		}
		return result.Embeddings, nil
	}
	p.destroy = session.Destroy

	slog.Info("llm: hugot embedder ready", "model", p.cfg.Model,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// prepareModel downloads the model into dir unless already present and
// returns its local path.
func prepareModel(name, dir string) (string, error) {
	modelPath := filepath.Join(dir, strings.ReplaceAll(name, "/", "_"))
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking model directory: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating model directory: %w", err)
	}
	opts := hugot.NewDownloadOptions()
	opts.OnnxFilePath = "onnx/model.onnx"
	slog.Info("llm: downloading embedding model", "model", name, "dir", dir)
	downloaded, err := hugot.DownloadModel(name, dir, opts)
	if err != nil {
		return "", fmt.Errorf("downloading model %s: %w", name, err)
	}
	return downloaded, nil
}
