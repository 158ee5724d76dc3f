package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/tablechat/tablechat-backend/internal/logger"
)

// CodegenService turns a natural-language question about a table into
// an analysis script for the sandbox.
type CodegenService interface {
	GenerateScript(ctx context.Context, question string, columns []string, tier ModelTier) (string, error)
}

type codegenService struct {
	log    *logger.Logger
	caller ModelCaller
}

func NewCodegenService(baseLog *logger.Logger, caller ModelCaller) CodegenService {
	return &codegenService{
		log:    baseLog.With("service", "CodegenService"),
		caller: caller,
	}
}

const scriptAPIReference = `The script runs in a restricted Starlark environment with these bindings:

df - the loaded table. Methods:
  df.columns() -> list of column names
  df.nrow() -> int, df.ncol() -> int
  df.head(n=5) -> table with the first n rows
  df.select("col1", "col2") -> table with only those columns
  df.filter("col", op, value) -> table; op is one of "==", "!=", ">", ">=", "<", "<="
  df.sort("col", reverse=False) -> table sorted on a column
  df.group_by("key_col", "value_col", agg) -> table; agg is one of "mean", "sum", "count", "min", "max"
  df.col("name") -> a column. Column methods:
    .mean() .sum() .min() .max() .count() -> numbers
    .unique() -> list of distinct values
    .values() -> list of all values

question - the user's question as a string.

data.table(columns={"name": [values], ...}) - build a new table from lists.

plot.figure(title="...") - create a chart. Chart methods:
  fig.bar(labels, values)
  fig.line(x_values, y_values)
  fig.scatter(x_values, y_values)
  fig.hist(values, bins=10)
  fig.xlabel("..."), fig.ylabel("...")

print(...) - anything printed becomes the text answer shown to the user.

Exports:
- Every chart created with plot.figure is returned to the user as a PNG.
- Every table assigned to a top-level variable (other than df) is returned as a CSV download.`

const scriptRules = `Rules:
1. Respond with a single script and nothing else. No markdown fences, no explanations.
2. df is already loaded; never attempt to read files or import anything.
3. Produce one kind of output per script: printed text, charts, or exported tables. More than one chart (or table) is fine; mixing kinds is not.
4. Use print() for textual answers. Assign a table to a top-level variable only when the user should receive it as a file.
5. Keep the script short and deterministic.`

func (s *codegenService) GenerateScript(ctx context.Context, question string, columns []string, tier ModelTier) (string, error) {
	prompt := fmt.Sprintf(`You are a data analyst writing a script to answer a question about a CSV table.

The table has these columns: %s

%s

%s

Question: %s`, strings.Join(columns, ", "), scriptAPIReference, scriptRules, question)

	raw, err := s.caller.Call(ctx, prompt, tier)
	if err != nil {
		return "", &GenerationError{Err: err}
	}

	script := stripCodeFences(raw)
	if strings.TrimSpace(script) == "" {
		return "", &GenerationError{Err: fmt.Errorf("model returned an empty script")}
	}
	s.log.Debug("Generated analysis script", "script_bytes", len(script))
	return script, nil
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag, if the model added one despite the rules.
func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		// A bare language tag on the fence line is discarded.
		if firstLine == "" || !strings.ContainsAny(firstLine, " \t(") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
