package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/backend"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/calendar"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/gcp"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/pipelines"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/retrieval"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/router"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/runtime"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/safety"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/search"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/settings"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/stages"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/tools"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/vision"
)

// app is everything a request needs, built once per process.
type app struct {
	router   *router.Router
	registry *runtime.Registry
	tools    *tools.ToolExecutor
	closers  []io.Closer
}

// components are the externally backed collaborators. Tests replace them with mocks.
type components struct {
	backend  stages.Backend
	embedder retrieval.Embedder
	ocr      vision.Recognizer
	searcher search.Searcher
	calendar calendar.Service
	index    *retrieval.Index
	closers  []io.Closer
}

// connect dials every configured external service.
func connect(ctx context.Context, cfg *settings.AppConfig, logger observability.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			for _, cl := range c.closers {
				_ = cl.Close()
			}
		}
	}()

	mb, err := backend.New(ctx, cfg.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	c.backend = mb

	if cfg.Retrieval.Enabled() {
		gemini, ok := mb.Provider().(*backend.Gemini)
		if !ok {
			return nil, errors.New("textbook retrieval needs the gemini backend for query embeddings")
		}
		c.embedder = backend.NewEmbedder(gemini, cfg.Backend.EmbeddingModel)

		var src retrieval.Source = retrieval.DirSource{Dir: cfg.Retrieval.Dir}
		if cfg.Retrieval.Bucket != "" {
			gcs, err := retrieval.NewGCSSource(ctx, cfg.Retrieval.Bucket, gcp.ClientOptions(cfg.Retrieval.Credentials)...)
			if err != nil {
				return nil, err
			}
			c.closers = append(c.closers, gcs)
			src = gcs
		}
		if c.index, err = retrieval.Load(ctx, src, cfg.Retrieval, logger); err != nil {
			return nil, fmt.Errorf("failed to load textbook index: %w", err)
		}
	}

	if cfg.Search.Enabled() {
		if c.searcher, err = search.NewGoogle(ctx, cfg.Search, gcp.APIKeyOptions(cfg.Search.APIKey, cfg.Search.Credentials)...); err != nil {
			return nil, err
		}
	}

	if cfg.OCR.Enabled {
		cv, err := vision.NewCloudVision(ctx, cfg.OCR.Timeout, gcp.ClientOptions(cfg.OCR.Credentials)...)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, cv)
		c.ocr = cv
	}

	if cfg.Calendar.CalendarID != "" {
		loc, err := cfg.Calendar.Location()
		if err != nil {
			return nil, err
		}
		if c.calendar, err = calendar.NewGoogleService(ctx, cfg.Calendar.CalendarID, loc, gcp.ClientOptions(cfg.Calendar.Credentials)...); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("calendar_in_memory", "reason", "no calendar_id configured")
		c.calendar = calendar.NewMemoryService()
	}
	return c, nil
}

// newApp wires the tools, pipelines and router over connected components.
func newApp(cfg *settings.AppConfig, c *components, logger observability.Logger) (*app, error) {
	loc, err := cfg.Calendar.Location()
	if err != nil {
		return nil, err
	}
	now := func() time.Time { return time.Now().In(loc) }

	executor := tools.NewToolExecutor()
	var defs []*tools.ToolDefinition
	if c.searcher != nil {
		defs = append(defs, search.NewTool(c.searcher, cfg.Search.MaxResults).Definition())
	}
	if c.ocr != nil {
		defs = append(defs, vision.NewTool(c.ocr).Definition())
	}
	if c.index != nil && c.embedder != nil {
		defs = append(defs, retrieval.NewRetriever(c.index, c.embedder).Definition())
	}
	defs = append(defs, calendar.NewListTool(c.calendar, now).Definition())
	for _, def := range defs {
		if err := executor.Register(def); err != nil {
			return nil, err
		}
	}

	filter := safety.NewFilter(cfg.Safety.Terms, cfg.Safety.Refusal)
	reg, err := pipelines.NewRegistry(cfg.Pipelines.Catalog, runtime.Deps{
		Backend: c.backend,
		Tools:   executor,
		Filter:  filter,
		Retry:   cfg.Retry,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	warnMissingTools(cfg.Pipelines.Catalog, executor, logger)

	assistant := calendar.NewAssistant(c.calendar, now, logger)
	logger.Info("app_ready", "pipelines", reg.Names(), "tools", executor.List(), "safety_terms", filter.Terms())
	return &app{
		router:   router.New(reg.Get, assistant, cfg.Router, logger),
		registry: reg,
		tools:    executor,
		closers:  c.closers,
	}, nil
}

// warnMissingTools logs tool stages whose tool is not configured. Those stages
// fall back at run time instead of failing startup.
func warnMissingTools(catalog string, executor *tools.ToolExecutor, logger observability.Logger) {
	specs, err := pipelines.Load(catalog)
	if err != nil {
		return
	}
	for _, spec := range specs {
		for _, st := range spec.Stages {
			if st.Kind == config.StageTool && !executor.Has(st.Tool) {
				logger.Warn("tool_not_configured", "pipeline", spec.Name, "stage", st.Name, "tool", st.Tool)
			}
		}
	}
}

// Close releases the external clients.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
