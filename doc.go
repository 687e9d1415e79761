// Package justpipe is a declarative, event-emitting pipeline runtime for
// building DAG-shaped workflows out of user-supplied steps.
//
// A Pipe holds named steps — plain units of work, fan-out maps,
// conditional switches, nested sub-pipelines — and the static successor
// edges between them. Running a pipe against a state value produces a
// lazy stream of lifecycle events (START/FINISH, STEP_START/STEP_END/
// STEP_ERROR, streamed TOKENs) consumed as a channel:
//
//	pipe := justpipe.New[*State, *Config]("ingest")
//	pipe.Step("fetch", fetch, justpipe.To("parse"))
//	pipe.Step("parse", parse)
//	for ev := range pipe.Run(ctx, state) {
//	    ...
//	}
//
// Steps direct control flow by returning routing values (Next, Stop,
// Suspend) or nothing at all, in which case the static topology applies.
// Map steps fan one invocation of a companion step out per item and hold
// their successors until the whole batch drains. Failures flow through a
// per-step handler, then the global handler, then the default policy;
// a run always terminates with FINISH.
//
// Run history persists through the Storage interface (store/memory,
// store/sqlite, store/postgres) and the observer package exports OTEL
// traces and metrics for runs and steps.
package justpipe
