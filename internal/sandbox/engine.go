package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-gota/gota/dataframe"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/observability"
	"github.com/tablechat/tablechat-backend/internal/utils"
)

const (
	defaultExecTimeoutSeconds = 60
	defaultMaxExecutionSteps  = 50_000_000
)

type RenderedFigure struct {
	Title string
	PNG   []byte
}

type NamedTable struct {
	Name string
	CSV  []byte
}

// Result is everything one successful script run produced: captured print
// output, rendered figures in creation order, and exported tables sorted by
// variable name.
type Result struct {
	Output  string
	Figures []RenderedFigure
	Tables  []NamedTable
}

type Engine interface {
	Execute(ctx context.Context, script string, df dataframe.DataFrame, question string) (*Result, error)
}

type engine struct {
	log      *logger.Logger
	timeout  time.Duration
	maxSteps uint64
}

func NewEngine(log *logger.Logger) Engine {
	engineLog := log.With("service", "SandboxEngine")
	timeoutSecs := utils.GetEnvAsInt("ANALYSIS_EXEC_TIMEOUT_SECONDS", defaultExecTimeoutSeconds, log)
	if timeoutSecs <= 0 {
		timeoutSecs = defaultExecTimeoutSeconds
	}
	maxSteps := utils.GetEnvAsInt("ANALYSIS_MAX_EXECUTION_STEPS", defaultMaxExecutionSteps, log)
	if maxSteps <= 0 {
		maxSteps = defaultMaxExecutionSteps
	}
	return &engine{
		log:      engineLog,
		timeout:  time.Duration(timeoutSecs) * time.Second,
		maxSteps: uint64(maxSteps),
	}
}

func fileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// Execute runs one analysis script. The run is all or nothing: any script
// error, timeout, or render failure discards every pending figure and
// returns an error with no partial results.
func (e *engine) Execute(ctx context.Context, script string, df dataframe.DataFrame, question string) (*Result, error) {
	started := time.Now()
	reg := newFigureRegistry()

	var stdout bytes.Buffer
	thread := &starlark.Thread{
		Name: "analysis",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteByte('\n')
		},
	}
	thread.SetMaxExecutionSteps(e.maxSteps)

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-execCtx.Done():
			thread.Cancel("execution timed out")
		case <-watchdogDone:
		}
	}()

	predeclared := starlark.StringDict{
		"df":       newTable(df),
		"question": starlark.String(question),
		"data":     dataModule(),
		"plot":     plotModule(reg),
	}

	globals, err := starlark.ExecFileOptions(fileOptions(), thread, "analysis.star", script, predeclared)
	if err != nil {
		reg.CloseAll()
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveAnalysisRun("error", time.Since(started))
		}
		if evalErr, ok := err.(*starlark.EvalError); ok {
			e.log.Warn("analysis script failed", "error", evalErr.Msg, "backtrace", evalErr.Backtrace())
			return nil, fmt.Errorf("script execution failed: %s", evalErr.Msg)
		}
		e.log.Warn("analysis script failed", "error", err)
		return nil, fmt.Errorf("script execution failed: %w", err)
	}

	result, err := harvest(stdout.String(), reg, globals)
	reg.CloseAll()
	if err != nil {
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveAnalysisRun("error", time.Since(started))
		}
		return nil, err
	}

	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveAnalysisRun("ok", time.Since(started))
	}
	e.log.Debug("analysis script completed",
		"duration_ms", time.Since(started).Milliseconds(),
		"figures", len(result.Figures),
		"tables", len(result.Tables),
	)
	return result, nil
}

// harvest collects figures and exported tables. It reads the registry and
// globals without consuming them, so calling it twice yields the same result.
func harvest(stdout string, reg *figureRegistry, globals starlark.StringDict) (*Result, error) {
	result := &Result{Output: stdout}

	for _, fig := range reg.Open() {
		png, err := fig.Render()
		if err != nil {
			return nil, fmt.Errorf("failed to render figure %d: %w", fig.id, err)
		}
		result.Figures = append(result.Figures, RenderedFigure{Title: fig.title, PNG: png})
	}

	// Keys() is sorted, which fixes the table ordering. The input binding
	// name is reserved and never exported even if reassigned.
	for _, name := range globals.Keys() {
		if name == "df" {
			continue
		}
		tv, ok := globals[name].(*tableValue)
		if !ok {
			continue
		}
		var csvBuf bytes.Buffer
		if err := tv.df.WriteCSV(&csvBuf); err != nil {
			return nil, fmt.Errorf("failed to serialize table %q: %w", name, err)
		}
		result.Tables = append(result.Tables, NamedTable{Name: name, CSV: csvBuf.Bytes()})
	}

	return result, nil
}
