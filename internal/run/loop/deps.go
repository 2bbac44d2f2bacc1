// Package loop implements the Run Loop (spec.md §4.8): the single-run
// pipeline executor, in its buffered/streamed and fresh/continuation
// variants, plus the background-spawn wrapper.
//
// Go cannot express the source's four near-duplicate coroutine/generator
// variants as one function body sharing control flow via yield; per the
// design note in spec.md §9 ("unify via phases as values") and
// SPEC_FULL.md §4.8, phases are modeled as an ordered list of named
// functions executed by one driver, parameterized by an Emitter strategy
// (buffered vs. streamed) rather than duplicated per variant.
package loop

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/events/bus"
	"github.com/kandev/agentrun/internal/run/approval"
	"github.com/kandev/agentrun/internal/run/cancel"
	"github.com/kandev/agentrun/internal/run/message"
	"github.com/kandev/agentrun/internal/run/response"
	"github.com/kandev/agentrun/internal/run/session"
)

// Deps bundles the Run Loop's external collaborators: the same set
// spec.md §1 names as "out of scope, referenced only by the contracts
// they must expose" (session storage, approval storage) plus the
// concrete Message Builder / Response Assembler this repository ships.
type Deps struct {
	Sessions  session.Store
	Approvals approval.Writer
	Cancel    *cancel.Registry
	Messages  message.Builder
	Responses response.Assembler
	Bus       bus.EventBus // optional; nil disables event-bus fan-out
	Logger    *logger.Logger
	Tracer    trace.Tracer // optional; nil disables phase spans
}

func (d Deps) logger() *logger.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logger.Default()
}
