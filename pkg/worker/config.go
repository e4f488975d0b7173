package worker

// config.go defines Worker's functional-options configuration object,
// following the same pattern as the rest of this codebase: an unexported
// config struct, an Option closure type, a defaultConfig constructor, and
// applyOptions performing validation once at construction time. Unlike a
// cache's config, nothing here is generic over K/V — a Worker's knobs are
// all concrete per §6.3.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/reflex-wasm-worker/internal/modulecache"
)

// EvaluationMode selects between the Standalone and Query evaluation modes
// §4.5/§9 distinguish: Query mode skips heap compaction during Gc,
// trimming only state_values; Standalone mode runs the full compaction
// algorithm.
type EvaluationMode uint8

const (
	ModeStandalone EvaluationMode = iota
	ModeQuery
)

// HeapDumpResultFilter selects which evaluate outcomes trigger a heap dump.
type HeapDumpResultFilter uint8

const (
	DumpResultAll HeapDumpResultFilter = iota
	DumpResultError
	DumpResultPending
	DumpResultResult
)

// HeapDumpEvaluationFilter selects which evaluation modes a dump policy
// applies to.
type HeapDumpEvaluationFilter uint8

const (
	DumpEvaluationAll HeapDumpEvaluationFilter = iota
	DumpEvaluationQueryOnly
)

// HeapDumpPolicy configures §4.6.3's optional dump-heap-on-error behaviour.
// A nil *HeapDumpPolicy (the default) disables dumping entirely.
type HeapDumpPolicy struct {
	Evaluation HeapDumpEvaluationFilter
	Result     HeapDumpResultFilter
}

// ParseHeapDumpPolicy parses one of the eight CLI strings §6.3 defines:
// all|error|pending|result|query-all|query-error|query-pending|query-result.
func ParseHeapDumpPolicy(s string) (*HeapDumpPolicy, error) {
	evalFilter := DumpEvaluationAll
	rest := s
	const queryPrefix = "query-"
	if len(s) > len(queryPrefix) && s[:len(queryPrefix)] == queryPrefix {
		evalFilter = DumpEvaluationQueryOnly
		rest = s[len(queryPrefix):]
	}

	var resultFilter HeapDumpResultFilter
	switch rest {
	case "all":
		resultFilter = DumpResultAll
	case "error":
		resultFilter = DumpResultError
	case "pending":
		resultFilter = DumpResultPending
	case "result":
		resultFilter = DumpResultResult
	default:
		return nil, errInvalidHeapDumpPolicy
	}
	return &HeapDumpPolicy{Evaluation: evalFilter, Result: resultFilter}, nil
}

// ShouldDump reports whether this policy covers the given evaluation mode
// and result shape.
func (p *HeapDumpPolicy) ShouldDump(mode EvaluationMode, isQuery bool, result Result) bool {
	if p == nil {
		return false
	}
	if p.Evaluation == DumpEvaluationQueryOnly && !isQuery {
		return false
	}
	switch p.Result {
	case DumpResultAll:
		return true
	case DumpResultError:
		return result.IsSignal && hasConditionKind(result.Conditions, ConditionError)
	case DumpResultPending:
		return result.IsSignal && hasConditionKind(result.Conditions, ConditionPending)
	case DumpResultResult:
		return !result.IsSignal
	default:
		return false
	}
}

func hasConditionKind(conds []Condition, kind ConditionKind) bool {
	for _, c := range conds {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// MetricNames customizes the three histogram names §6.3 requires (compile,
// evaluate, gc duration — all in seconds).
type MetricNames struct {
	CompileDuration  string
	EvaluateDuration string
	GcDuration       string
}

func defaultMetricNames() MetricNames {
	return MetricNames{
		CompileDuration:  "reflex_worker_compile_duration_seconds",
		EvaluateDuration: "reflex_worker_evaluate_duration_seconds",
		GcDuration:       "reflex_worker_gc_duration_seconds",
	}
}

// Option is the functional option passed to New.
type Option func(*config)

type config struct {
	evaluationMode             EvaluationMode
	heapDumpPolicy             *HeapDumpPolicy
	graphRootFactoryExportName string
	metricNames                MetricNames
	registry                   *prometheus.Registry
	logger                     *zap.Logger
	maxGraphNodes              int
	moduleCache                *modulecache.Cache
	snapshotStore              SnapshotStore
	heapCapacity               int
}

func defaultConfig() *config {
	return &config{
		evaluationMode: ModeStandalone,
		metricNames:    defaultMetricNames(),
		logger:         zap.NewNop(),
		heapCapacity:   16 * 1024 * 1024,
	}
}

// WithEvaluationMode selects Standalone or Query mode.
func WithEvaluationMode(m EvaluationMode) Option {
	return func(c *config) { c.evaluationMode = m }
}

// WithHeapDumpPolicy enables heap-dump-on-error per the given policy. A nil
// policy disables dumping (the default).
func WithHeapDumpPolicy(p *HeapDumpPolicy) Option {
	return func(c *config) { c.heapDumpPolicy = p }
}

// WithGraphRootFactoryExportName names the user-chosen export Init uses to
// construct the graph root and purity-checks at instantiation time.
func WithGraphRootFactoryExportName(name string) Option {
	return func(c *config) { c.graphRootFactoryExportName = name }
}

// WithMetricNames overrides the default histogram names.
func WithMetricNames(names MetricNames) Option {
	return func(c *config) { c.metricNames = names }
}

// WithMetricsRegistry enables Prometheus metrics collection. Passing nil
// disables metrics (default).
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. The worker never logs on the
// evaluate hot path; only Init failures and failed heap-dump writes are
// logged.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxGraphNodes bounds how many dependency-graph nodes the worker keeps
// warm via the adapted CLOCK-Pro policy. Zero (the default) disables
// bounding entirely: the graph grows exactly as the bare evaluation
// algorithm describes.
func WithMaxGraphNodes(n int) Option {
	return func(c *config) { c.maxGraphNodes = n }
}

// WithModuleCache shares a modulecache.Cache across workers that may
// instantiate the same compiled bytes, avoiding redundant compilation.
func WithModuleCache(mc *modulecache.Cache) Option {
	return func(c *config) { c.moduleCache = mc }
}

// WithSnapshotStore overrides the destination heap dumps are written to.
// Defaults to a FileSnapshotStore rooted at the current working directory.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(c *config) { c.snapshotStore = s }
}

// WithHeapCapacity sets the byte capacity of the arena backing a
// Standalone-mode worker's detached heap operations (GC's fresh arena).
// Query-mode workers size their arena from the live WASM memory instead and
// ignore this knob.
func WithHeapCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.heapCapacity = n
		}
	}
}

func applyOptions(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.graphRootFactoryExportName == "" {
		return nil, errMissingFactoryExportName
	}
	if cfg.snapshotStore == nil {
		cfg.snapshotStore = NewFileSnapshotStore(".")
	}
	return cfg, nil
}

var (
	errInvalidHeapDumpPolicy    = errors.New("worker: invalid heap dump policy string")
	errMissingFactoryExportName = errors.New("worker: WithGraphRootFactoryExportName is required")
)
