package justpipe

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// --- Failure taxonomy ---

// FailureKind classifies where in the lifecycle a failure belongs.
type FailureKind string

const (
	// FailureStep is a user-code exception during a step body.
	FailureStep FailureKind = "STEP"
	// FailureInfra is a framework-internal fault. Recorded, never fatal
	// by itself.
	FailureInfra FailureKind = "INFRA"
	// FailureValidation is a registration-time or graph-time problem.
	FailureValidation FailureKind = "VALIDATION"
)

// FailureSource labels who caused a failure.
type FailureSource string

const (
	SourceUserCode    FailureSource = "USER_CODE"
	SourceFramework   FailureSource = "FRAMEWORK"
	SourceExternalDep FailureSource = "EXTERNAL_DEP"
)

func validFailureSource(s FailureSource) bool {
	return s == SourceUserCode || s == SourceFramework || s == SourceExternalDep
}

// FailureReason is the machine-readable reason code on a failure record.
type FailureReason string

const (
	ReasonStepError       FailureReason = "STEP_ERROR"
	ReasonTimeout         FailureReason = "TIMEOUT"
	ReasonValidationError FailureReason = "VALIDATION_ERROR"
	ReasonClassifierError FailureReason = "CLASSIFIER_ERROR"
	ReasonInternalError   FailureReason = "INTERNAL_ERROR"
	ReasonStepNotFound    FailureReason = "STEP_NOT_FOUND"
	ReasonHookError       FailureReason = "HOOK_ERROR"
)

// FailureRecord is one entry in the execution log. Diagnostics are
// secondary records written when the framework itself misbehaves (for
// example a user-supplied classifier raising); they never replace the
// primary failure.
type FailureRecord struct {
	Kind         FailureKind
	Source       FailureSource
	Reason       FailureReason
	Step         string
	ErrorMessage string
	Err          error
	Timestamp    int64
}

// ExecutionLog accumulates failures and diagnostics across one run.
// Pass one to a run with WithExecutionLog to inspect it afterwards.
type ExecutionLog struct {
	mu          sync.Mutex
	failures    []FailureRecord
	diagnostics []FailureRecord
}

// NewExecutionLog returns an empty log.
func NewExecutionLog() *ExecutionLog { return &ExecutionLog{} }

// Failures returns a copy of the primary failure records.
func (l *ExecutionLog) Failures() []FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FailureRecord(nil), l.failures...)
}

// Diagnostics returns a copy of the secondary diagnostic records.
func (l *ExecutionLog) Diagnostics() []FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FailureRecord(nil), l.diagnostics...)
}

func (l *ExecutionLog) addFailure(r FailureRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, r)
}

func (l *ExecutionLog) addDiagnostic(r FailureRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.diagnostics = append(l.diagnostics, r)
}

// --- Classification ---

// ClassificationContext is handed to a user classifier for each recorded
// failure.
type ClassificationContext struct {
	Err           error
	Kind          FailureKind
	Reason        FailureReason
	Step          string
	DefaultSource FailureSource
}

// SourceClassifier may override the failure source. Returning the empty
// string declines, falling back to the built-in rule. Returning an
// unknown value, or panicking, records a CLASSIFIER_ERROR diagnostic and
// the built-in rule applies.
type SourceClassifier func(ClassificationContext) FailureSource

// ClassificationConfig configures failure source resolution.
type ClassificationConfig struct {
	Classifier SourceClassifier
	// ExternalDepPrefixes extends the built-in package-path prefix set
	// used to recognize errors raised by external dependencies.
	ExternalDepPrefixes []string
}

// defaultExternalDepPrefixes recognizes well-known client, driver and SDK
// namespaces by the package path of the error's dynamic type.
var defaultExternalDepPrefixes = []string{
	"net/http",
	"database/sql",
	"github.com/jackc/pgx",
	"github.com/lib/pq",
	"modernc.org/sqlite",
	"github.com/redis/go-redis",
	"go.mongodb.org/mongo-driver",
	"google.golang.org/grpc",
	"google.golang.org/api",
	"cloud.google.com/go",
	"github.com/aws/aws-sdk-go",
	"github.com/Azure/azure-sdk-for-go",
}

// failureJournal resolves failure sources and writes records into an
// ExecutionLog. One journal serves one run.
type failureJournal struct {
	classifier SourceClassifier
	prefixes   []string
	logger     *slog.Logger
}

func newFailureJournal(cfg ClassificationConfig, logger *slog.Logger) *failureJournal {
	prefixes := append([]string(nil), defaultExternalDepPrefixes...)
	prefixes = append(prefixes, cfg.ExternalDepPrefixes...)
	return &failureJournal{
		classifier: cfg.Classifier,
		prefixes:   prefixes,
		logger:     logger,
	}
}

// classifyBuiltin walks the unwrap chain and returns EXTERNAL_DEP when
// any error in it is defined in a known external-dependency package,
// otherwise the caller's default.
func (j *failureJournal) classifyBuiltin(err error, def FailureSource) FailureSource {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t != nil && t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t == nil {
			continue
		}
		pkg := t.PkgPath()
		for _, p := range j.prefixes {
			if pkg == p || strings.HasPrefix(pkg, p+"/") || strings.HasPrefix(pkg, p+".") {
				return SourceExternalDep
			}
		}
	}
	return def
}

// resolveSource applies the user classifier, falling back to the built-in
// rule, and reports a diagnostic when the classifier misbehaves.
func (j *failureJournal) resolveSource(err error, kind FailureKind, reason FailureReason, step string, def FailureSource) (FailureSource, *FailureRecord) {
	builtin := j.classifyBuiltin(err, def)
	if j.classifier == nil {
		return builtin, nil
	}

	got, diagErr := j.callClassifier(ClassificationContext{
		Err:           err,
		Kind:          kind,
		Reason:        reason,
		Step:          step,
		DefaultSource: def,
	})
	if diagErr != nil {
		return builtin, &FailureRecord{
			Kind:         FailureInfra,
			Source:       SourceFramework,
			Reason:       ReasonClassifierError,
			Step:         step,
			ErrorMessage: diagErr.Error(),
			Err:          diagErr,
			Timestamp:    time.Now().UnixMilli(),
		}
	}
	if got == "" {
		return builtin, nil
	}
	if !validFailureSource(got) {
		invalid := fmt.Errorf("source classifier returned invalid value '%s'", string(got))
		return builtin, &FailureRecord{
			Kind:         FailureInfra,
			Source:       SourceFramework,
			Reason:       ReasonClassifierError,
			Step:         step,
			ErrorMessage: invalid.Error(),
			Err:          invalid,
			Timestamp:    time.Now().UnixMilli(),
		}
	}
	return got, nil
}

// callClassifier invokes the user classifier, converting a panic into an
// error so one broken classifier cannot take the run down.
func (j *failureJournal) callClassifier(ctx ClassificationContext) (src FailureSource, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source classifier panicked: %v", r)
		}
	}()
	return j.classifier(ctx), nil
}

// recordFailure resolves the source and appends the failure (and any
// classifier diagnostic) to the log.
func (j *failureJournal) recordFailure(log *ExecutionLog, kind FailureKind, defSource FailureSource, reason FailureReason, step string, err error) {
	if log == nil {
		return
	}
	source, diagnostic := j.resolveSource(err, kind, reason, step, defSource)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	log.addFailure(FailureRecord{
		Kind:         kind,
		Source:       source,
		Reason:       reason,
		Step:         step,
		ErrorMessage: msg,
		Err:          err,
		Timestamp:    time.Now().UnixMilli(),
	})
	if diagnostic != nil {
		log.addDiagnostic(*diagnostic)
	}
}

// logDefault is the default error handler's logging path: timestamp,
// truncated state, error type and message, and the failing goroutine's
// stack, through the injected logger.
func (j *failureJournal) logDefault(step string, err error, state any) {
	stateStr := truncate(fmt.Sprintf("%v", state), 1000)
	j.logger.Error("step failed",
		"step", step,
		"time", time.Now().Format("2006-01-02 15:04:05"),
		"error_type", fmt.Sprintf("%T", err),
		"error", err,
		"state", stateStr,
		"stack", string(debug.Stack()),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
