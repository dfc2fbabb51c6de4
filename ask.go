package kgrag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/kgrag/llm"
	"github.com/brunobiangulo/kgrag/retrieval"
	"github.com/brunobiangulo/kgrag/router"
	"github.com/brunobiangulo/kgrag/store"
)

// Messages of the answer stream.
const (
	msgNoQuestion       = "No question provided"
	msgNoDocument       = "No document selected"
	msgLoadingIndex     = "Initializing Vector RAG..."
	msgLoadingGraph     = "Initializing Knowledge Graph..."
	msgIndexNotFound    = "Vector embeddings not found"
	msgGraphNotFound    = "Knowledge Graph not found"
	msgAnalyzingPattern = "Analyzing query (Mode: %s)..."
)

// Ask answers req as a stream of events. The stream ends with exactly one
// error or done event. If ctx is cancelled the terminal event is sent only
// when the channel has room for it.
func (e *engine) Ask(ctx context.Context, req AskRequest) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		em := emitter{ctx: ctx, ch: ch}
		start := time.Now()

		answer, decision, err := e.ask(ctx, em, req)
		elapsed := time.Since(start)
		if err != nil {
			slog.Warn("kgrag: ask failed", "document_id", req.DocumentID, "error", err,
				"elapsed", elapsed.Round(time.Millisecond))
			terminal(ctx, ch, Event{Type: EventError, Msg: errorMessage(err)})
		} else {
			slog.Info("kgrag: ask complete", "document_id", req.DocumentID,
				"mode", decision.Mode, "rule", decision.Rule, "answer_len", len(answer),
				"elapsed", elapsed.Round(time.Millisecond))
			terminal(ctx, ch, Event{Type: EventDone})
		}

		if e.cfg.LogQueries {
			q := store.QueryLog{
				DocumentID: req.DocumentID,
				Question:   req.Question,
				Mode:       string(decision.Mode),
				Rule:       decision.Rule,
				Answer:     answer,
				ElapsedMs:  elapsed.Milliseconds(),
			}
			if err != nil {
				q.Error = err.Error()
			}
			if lerr := e.store.LogQuery(context.WithoutCancel(ctx), q); lerr != nil {
				slog.Warn("kgrag: logging query failed", "error", lerr)
			}
		}
	}()
	return ch
}

// terminal sends the last event. After cancellation it does not block.
func terminal(ctx context.Context, ch chan<- Event, ev Event) {
	if ctx.Err() == nil {
		ch <- ev
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

// errorMessage maps typed errors to the stream's error text.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrEmptyQuestion):
		return msgNoQuestion
	case errors.Is(err, ErrNoDocument):
		return msgNoDocument
	case errors.Is(err, ErrEmbeddingsNotFound):
		return msgIndexNotFound
	case errors.Is(err, ErrGraphNotFound):
		return msgGraphNotFound
	}
	return err.Error()
}

// ask runs one question and returns the full answer.
func (e *engine) ask(ctx context.Context, em emitter, req AskRequest) (string, router.Decision, error) {
	question := strings.TrimSpace(req.Question)
	docID := strings.TrimSpace(req.DocumentID)
	if question == "" {
		return "", router.Decision{}, ErrEmptyQuestion
	}
	if docID == "" {
		return "", router.Decision{}, ErrNoDocument
	}
	mode, err := router.ParseMode(req.Mode)
	if err != nil {
		return "", router.Decision{}, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}

	// Load the backends the mode can need.
	var (
		search retrieval.Searcher
		kg     *retrieval.KG
	)
	haveIndex, haveKG := e.cached(docID)
	if mode != router.ModeKG {
		if !haveIndex && e.cfg.VectorBackend != VectorBackendSQLite {
			em.status(msgLoadingIndex)
		}
		if search, err = e.searcher(ctx, docID); err != nil {
			return "", router.Decision{}, err
		}
	}
	if mode != router.ModeVector {
		if !haveKG {
			em.status(msgLoadingGraph)
		}
		if kg, err = e.loadKG(docID); err != nil {
			return "", router.Decision{}, err
		}
	}
	em.status(fmt.Sprintf(msgAnalyzingPattern, mode))
	orch := retrieval.NewOrchestratorWithSearcher(kg, search, e.embed, e.cfg.TopK)

	var (
		decision router.Decision
		res      *retrieval.Result
	)
	if mode == router.ModeAuto && e.planner != nil {
		decision, res, err = e.planned(ctx, em, orch, question)
	} else {
		decision = e.router.Resolve(question, mode)
		em.status(routeStatus(decision))
		res, err = orch.Retrieve(ctx, question, decision.Mode)
	}
	if err != nil {
		return "", decision, err
	}

	answer, err := e.generate(ctx, em, res, question)
	return answer, decision, err
}

func routeStatus(d router.Decision) string {
	if d.Keyword == "" {
		return fmt.Sprintf("Routing to %s (%s)", d.Mode, d.Rule)
	}
	return fmt.Sprintf("Routing to %s (%s: %q)", d.Mode, d.Rule, d.Keyword)
}

// planned routes question with the planner. A multi-step plan retrieves
// each sub-question and joins the contexts under per-step headings.
func (e *engine) planned(ctx context.Context, em emitter, orch *retrieval.Orchestrator, question string) (router.Decision, *retrieval.Result, error) {
	plan := e.planner.Plan(ctx, question)
	rule := router.RulePlanner
	if plan.Fallback {
		rule = router.RuleDefault
	}

	if len(plan.Queries) == 1 {
		d := router.Decision{Mode: plan.Queries[0].Source, Rule: rule}
		em.status(routeStatus(d))
		res, err := orch.Retrieve(ctx, question, d.Mode)
		return d, res, err
	}

	d := router.Decision{Mode: router.ModeHybrid, Rule: rule}
	em.status(fmt.Sprintf("Planned %d sub-queries", len(plan.Queries)))
	merged := &retrieval.Result{Mode: router.ModeHybrid, SystemPrompt: retrieval.HybridSystemPrompt}
	sections := make([]string, 0, len(plan.Queries))
	for i, sq := range plan.Queries {
		em.status(fmt.Sprintf("Step %d/%d: %s (%s)", i+1, len(plan.Queries), sq.Question, sq.Source))
		res, err := orch.Retrieve(ctx, sq.Question, sq.Source)
		if err != nil {
			return d, nil, fmt.Errorf("sub-query %d: %w", i+1, err)
		}
		sections = append(sections, fmt.Sprintf("### Sub-question %d: %s\n%s", i+1, sq.Question, res.Context))
		merged.Entities += res.Entities
		merged.Chunks = append(merged.Chunks, res.Chunks...)
	}
	merged.Context = strings.Join(sections, "\n\n")
	return d, merged, nil
}

// generate asks the chat model for the answer, streaming token events
// when the provider supports it.
func (e *engine) generate(ctx context.Context, em emitter, res *retrieval.Result, question string) (string, error) {
	req := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: res.SystemPrompt},
			{Role: "user", Content: retrieval.UserPrompt(res.Context, question)},
		},
		Temperature: e.cfg.Generation.Temperature,
		TopP:        e.cfg.Generation.TopP,
		MaxTokens:   e.cfg.Generation.MaxTokens,
	}

	if s, ok := e.chat.(llm.Streamer); ok {
		var b strings.Builder
		err := s.ChatStream(ctx, req, func(delta string) error {
			if delta == "" {
				return nil
			}
			b.WriteString(delta)
			if !em.send(Event{Type: EventToken, Content: delta}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			return b.String(), fmt.Errorf("%w: %v", ErrLLMRequestFailed, err)
		}
		return b.String(), nil
	}

	resp, err := e.chat.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMRequestFailed, err)
	}
	em.send(Event{Type: EventToken, Content: resp.Content})
	return resp.Content, nil
}
