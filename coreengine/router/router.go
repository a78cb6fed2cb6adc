// Package router is the single entry point for inbound teacher requests. It picks one
// target (a pipeline or the calendar), extracts the parameters the target needs, runs
// it and relays its output unchanged.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/calendar"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/pipelines"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/runtime"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
)

var tracer = otel.Tracer("sahayak/router")

// TargetCalendar is the direct calendar target. Every other target is a pipeline name.
const TargetCalendar = "calendar"

// Outcome is how a routed request ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
	OutcomeClarify   Outcome = "clarify"
)

// HelpMessage is the clarifying reply when no target matches.
const HelpMessage = "I can help you with:\n" +
	"- a story: \"Write a story in Hindi about a farmer and rain\"\n" +
	"- a question: \"Why is the sky blue?\"\n" +
	"- the textbook: \"From the textbook, what is a tissue?\"\n" +
	"- worksheets: send a photo of a textbook page with \"worksheets for grades 3 and 5\"\n" +
	"- a lesson plan: \"Lesson plan for grades 3 and 5 on plants\"\n" +
	"- your calendar: \"List my calendar events for tomorrow\""

// Request is one inbound teacher message.
type Request struct {
	ChatID int64
	Text   string
	Image  *statebag.Image
}

// HasImage reports whether the request carries a non-empty image.
func (r Request) HasImage() bool {
	return r.Image != nil && !r.Image.Empty()
}

// Decision is the chosen target plus the parameters that seed it.
type Decision struct {
	Target   string
	Params   map[string]any
	Calendar *calendar.Command // Set for the calendar target
	Reasons  []string
}

// Reply is what the router hands back to the delivery layer.
type Reply struct {
	Text    string
	Target  string
	Outcome Outcome
	Err     error
}

// Config controls routing defaults.
type Config struct {
	DefaultLanguage string        `mapstructure:"default_language"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{DefaultLanguage: "English", RunTimeout: 60 * time.Second}
}

// CalendarTarget runs calendar commands.
type CalendarTarget interface {
	Do(ctx context.Context, cmd calendar.Command) (string, error)
}

// Router dispatches requests. It holds no per-request state.
type Router struct {
	lookup   func(name string) (*runtime.Pipeline, bool)
	calendar CalendarTarget
	cfg      Config
	logger   observability.Logger
}

// New creates a router over a pipeline lookup (usually Registry.Get) and an optional
// calendar target.
func New(lookup func(name string) (*runtime.Pipeline, bool), cal CalendarTarget, cfg Config, logger observability.Logger) *Router {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultConfig().DefaultLanguage
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Router{lookup: lookup, calendar: cal, cfg: cfg, logger: logger.Bind("component", "router")}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

var (
	lessonPlanRe  = regexp.MustCompile(`(?i)\blesson\s*plan(?:s|ner)?\b|\bweekly\s+plan\b|\bplan\s+(?:my\s+|the\s+)?(?:week|lessons?)\b`)
	scheduleUseRe = regexp.MustCompile(`(?i)\b(?:calendar|schedule)\b`)
	storyRe       = regexp.MustCompile(`(?i)\b(?:story|stories|kahani|tale)\b`)
	worksheetRe   = regexp.MustCompile(`(?i)\bworksheets?\b`)
	textbookRe    = regexp.MustCompile(`(?i)\b(?:textbook|text\s+book|chapter|ncert)\b|\bfrom\s+(?:the|my)\s+book\b`)
	greetingRe    = regexp.MustCompile(`(?i)^\s*(?:/start|/help|hi|hello|hey|namaste|help|thanks|thank\s+you)[\s!.]*$`)
)

// Bare "events" or "meetings" is not enough; questions use those words too.
var calendarRe = regexp.MustCompile(`(?i)\b(?:calendar|appointments?)\b` +
	`|\b(?:my|our|upcoming)\s+(?:events?|meetings?)\b` +
	`|\b(?:list|show|create|add|new|book|move|rename|edit|change|update|reschedule|delete|remove|cancel)\s+(?:(?:an?|the|my|this)\s+)?(?:events?|meetings?)\b`)

// Decide classifies a request and extracts its parameters. A request with no usable
// target or a missing required parameter returns an AmbiguousRequest error carrying
// the question to ask.
func (r *Router) Decide(req Request) (*Decision, error) {
	text := strings.TrimSpace(req.Text)
	target, reason := classify(text, req.HasImage())
	if target == "" {
		return nil, failures.Ambiguous(HelpMessage)
	}

	d := &Decision{Target: target, Params: make(map[string]any), Reasons: []string{reason}}
	language, named := extractLanguage(text)
	if !named {
		language = r.cfg.DefaultLanguage
		d.Reasons = append(d.Reasons, "language defaulted to "+language)
	}

	switch target {
	case TargetCalendar:
		cmd := extractCalendarCommand(text)
		d.Calendar = &cmd
		d.Reasons = append(d.Reasons, "calendar action "+string(cmd.Action))
		return d, nil

	case pipelines.Story:
		topic, ok := extractTopic(text)
		if !ok {
			return nil, failures.Ambiguous("What should the story be about? For example: \"Write a story in Hindi about a farmer and rain\".")
		}
		d.Params[pipelines.FieldRequest] = text
		d.Params[pipelines.FieldTopic] = topic

	case pipelines.Knowledge:
		d.Params[pipelines.FieldQuestion] = text

	case pipelines.Textbook:
		d.Params[pipelines.FieldRequest] = text

	case pipelines.Worksheet:
		if !req.HasImage() {
			return nil, failures.Ambiguous("Please send a photo of the textbook page together with your worksheet request.")
		}
		grades := extractGrades(text)
		if len(grades) == 0 {
			return nil, failures.Ambiguous("Which grades should the worksheets be for? For example: \"worksheets for grades 3 and 5\".")
		}
		d.Params[pipelines.FieldImage] = req.Image
		d.Params[pipelines.FieldGrades] = grades

	case pipelines.LessonPlan, pipelines.LessonPlanCalendar:
		grades := extractGrades(text)
		if len(grades) == 0 {
			return nil, failures.Ambiguous("Which grades is the lesson plan for? For example: \"lesson plan for grades 3 and 5 on plants\".")
		}
		d.Params[pipelines.FieldGrades] = grades
		if topic, ok := extractTopic(text); ok {
			d.Params[pipelines.FieldTopic] = topic
		} else {
			d.Reasons = append(d.Reasons, "no topic, grade syllabus used")
		}
	}
	d.Params[pipelines.FieldLanguage] = language
	return d, nil
}

// classify picks the target. An image with the word "worksheet" always means
// worksheets; explicit intents come next, a story first; a bare image means worksheets; any other
// non-trivial text is a knowledge question.
func classify(text string, hasImage bool) (target, reason string) {
	switch {
	case hasImage && worksheetRe.MatchString(text):
		return pipelines.Worksheet, "image with worksheet request"
	case storyRe.MatchString(text):
		return pipelines.Story, "story requested"
	case lessonPlanRe.MatchString(text):
		if scheduleUseRe.MatchString(text) {
			return pipelines.LessonPlanCalendar, "lesson plan with calendar"
		}
		return pipelines.LessonPlan, "lesson plan requested"
	case worksheetRe.MatchString(text):
		return pipelines.Worksheet, "worksheet requested"
	case textbookRe.MatchString(text):
		return pipelines.Textbook, "textbook question"
	case calendarRe.MatchString(text):
		return TargetCalendar, "calendar request"
	case hasImage:
		return pipelines.Worksheet, "image without explicit intent"
	case text == "" || greetingRe.MatchString(text):
		return "", "no target"
	}
	return pipelines.Knowledge, "general question"
}

// =============================================================================
// ROUTING
// =============================================================================

// Route decides, runs the target and returns its output verbatim. Clarifying
// questions, refusals and apologies are replies too; Err carries the classified
// failure for the delivery layer.
func (r *Router) Route(ctx context.Context, req Request) *Reply {
	ctx, span := tracer.Start(ctx, "router.route", trace.WithAttributes(
		attribute.Int64("sahayak.chat_id", req.ChatID),
		attribute.Bool("sahayak.has_image", req.HasImage()),
	))
	defer span.End()

	logger := r.logger.Bind("chat_id", req.ChatID)
	reply := r.route(ctx, logger, req)

	span.SetAttributes(
		attribute.String("sahayak.target", reply.Target),
		attribute.String("sahayak.outcome", string(reply.Outcome)),
	)
	if reply.Outcome == OutcomeFailed {
		span.RecordError(reply.Err)
		span.SetStatus(codes.Error, reply.Err.Error())
	}
	observability.RecordRouteDecision(targetLabel(reply.Target), string(reply.Outcome))
	logger.Info("route_completed", "target", reply.Target, "outcome", string(reply.Outcome))
	return reply
}

func (r *Router) route(ctx context.Context, logger observability.Logger, req Request) *Reply {
	d, err := r.Decide(req)
	if err != nil {
		q, _ := failures.ClarifyingQuestion(err)
		logger.Info("route_clarify", "question", q)
		return &Reply{Text: q, Outcome: OutcomeClarify, Err: err}
	}
	logger.Info("route_decided", "target", d.Target, "reasons", d.Reasons)

	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	if d.Target == TargetCalendar {
		return r.runCalendar(ctx, logger, d)
	}
	return r.runPipeline(ctx, logger, d)
}

func (r *Router) runCalendar(ctx context.Context, logger observability.Logger, d *Decision) *Reply {
	if r.calendar == nil {
		err := failures.Newf(failures.KindInternal, TargetCalendar, "no calendar is configured")
		return &Reply{Text: failures.Apology, Target: d.Target, Outcome: OutcomeFailed, Err: err}
	}
	text, err := r.calendar.Do(ctx, *d.Calendar)
	if err != nil {
		if q, ok := failures.ClarifyingQuestion(err); ok {
			return &Reply{Text: q, Target: d.Target, Outcome: OutcomeClarify, Err: err}
		}
		logger.Error("calendar_failed", "error", err.Error())
		return &Reply{Text: failures.Apology, Target: d.Target, Outcome: OutcomeFailed, Err: err}
	}
	return &Reply{Text: text, Target: d.Target, Outcome: OutcomeCompleted}
}

func (r *Router) runPipeline(ctx context.Context, logger observability.Logger, d *Decision) *Reply {
	p, ok := r.lookup(d.Target)
	if !ok {
		err := failures.Newf(failures.KindInternal, d.Target, "pipeline is not registered")
		return &Reply{Text: failures.Apology, Target: d.Target, Outcome: OutcomeFailed, Err: err}
	}

	res, err := p.Run(ctx, d.Params)
	if err != nil {
		logger.Warn("route_failed", "pipeline", d.Target, "run_id", res.RunID, "kind", string(failures.KindOf(err)))
		return &Reply{Text: res.Output, Target: d.Target, Outcome: OutcomeFailed, Err: err}
	}

	reply := &Reply{Text: res.Output, Target: d.Target, Outcome: OutcomeCompleted}
	if res.State == runtime.StateBlocked {
		reply.Outcome = OutcomeBlocked
		reason := "content blocked"
		if res.Block != nil {
			reason = res.Block.Reason
		}
		reply.Err = failures.New(failures.KindContentBlocked, d.Target, errors.New(reason))
	}
	return reply
}

func targetLabel(target string) string {
	if target == "" {
		return "none"
	}
	return target
}

// String renders a decision for logs and the CLI.
func (d *Decision) String() string {
	return fmt.Sprintf("%s %v", d.Target, d.Reasons)
}
