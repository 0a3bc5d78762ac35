package pattern

// Engine runs evaluators in priority order and returns the first Buy.
type Engine struct {
	evaluators []Evaluator
	th         Thresholds
}

// NewEngine creates an engine over Library() with the given thresholds.
func NewEngine(th Thresholds) *Engine {
	return NewEngineWith(th, Library()...)
}

// NewEngineWith creates an engine over a custom evaluator list. The order of
// evs is the tie-break order.
func NewEngineWith(th Thresholds, evs ...Evaluator) *Engine {
	return &Engine{evaluators: evs, th: th}
}

// Thresholds returns the gate configuration.
func (e *Engine) Thresholds() Thresholds { return e.th }

// Evaluate returns the first firing pattern in priority order, or None.
func (e *Engine) Evaluate(ctx Context) Result {
	for _, ev := range e.evaluators {
		if r := ev.Evaluate(ctx, e.th); r.Fired() {
			return r
		}
	}
	return None
}

// Names returns the pattern names in priority order.
func (e *Engine) Names() []Name {
	names := make([]Name, len(e.evaluators))
	for i, ev := range e.evaluators {
		names[i] = ev.Name()
	}
	return names
}

// MaxRequired is the longest window any evaluator needs.
func (e *Engine) MaxRequired() int {
	n := 0
	for _, ev := range e.evaluators {
		if ev.Required() > n {
			n = ev.Required()
		}
	}
	return n
}
