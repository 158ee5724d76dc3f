package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// tableValue exposes a gota dataframe to analysis scripts. All operations
// return new tables; scripts never mutate a table in place.
type tableValue struct {
	df dataframe.DataFrame
}

func newTable(df dataframe.DataFrame) *tableValue {
	return &tableValue{df: df}
}

func (t *tableValue) String() string {
	return fmt.Sprintf("<table %dx%d>", t.df.Nrow(), t.df.Ncol())
}

func (t *tableValue) Type() string          { return "table" }
func (t *tableValue) Freeze()               {}
func (t *tableValue) Truth() starlark.Bool  { return starlark.Bool(t.df.Nrow() > 0) }
func (t *tableValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: table") }

var tableMethods = map[string]*starlark.Builtin{
	"columns":  starlark.NewBuiltin("columns", tableColumns),
	"nrow":     starlark.NewBuiltin("nrow", tableNrow),
	"ncol":     starlark.NewBuiltin("ncol", tableNcol),
	"head":     starlark.NewBuiltin("head", tableHead),
	"select":   starlark.NewBuiltin("select", tableSelect),
	"filter":   starlark.NewBuiltin("filter", tableFilter),
	"sort":     starlark.NewBuiltin("sort", tableSort),
	"group_by": starlark.NewBuiltin("group_by", tableGroupBy),
	"col":      starlark.NewBuiltin("col", tableCol),
}

func (t *tableValue) Attr(name string) (starlark.Value, error) {
	b, ok := tableMethods[name]
	if !ok {
		return nil, nil
	}
	return b.BindReceiver(t), nil
}

func (t *tableValue) AttrNames() []string {
	names := make([]string, 0, len(tableMethods))
	for name := range tableMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func recvTable(b *starlark.Builtin) *tableValue {
	return b.Receiver().(*tableValue)
}

func tableColumns(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	t := recvTable(b)
	out := make([]starlark.Value, 0, t.df.Ncol())
	for _, name := range t.df.Names() {
		out = append(out, starlark.String(name))
	}
	return starlark.NewList(out), nil
}

func tableNrow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.MakeInt(recvTable(b).df.Nrow()), nil
}

func tableNcol(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.MakeInt(recvTable(b).df.Ncol()), nil
}

func tableHead(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := 5
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "n?", &n); err != nil {
		return nil, err
	}
	t := recvTable(b)
	if n < 0 {
		return nil, fmt.Errorf("head: n must be non-negative, got %d", n)
	}
	if n > t.df.Nrow() {
		n = t.df.Nrow()
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sub := t.df.Subset(idx)
	if sub.Err != nil {
		return nil, fmt.Errorf("head: %w", sub.Err)
	}
	return newTable(sub), nil
}

func tableSelect(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	t := recvTable(b)
	if len(args) == 0 {
		return nil, fmt.Errorf("select: at least one column name required")
	}
	cols := make([]string, 0, len(args))
	for _, arg := range args {
		s, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("select: column names must be strings, got %s", arg.Type())
		}
		cols = append(cols, s)
	}
	sel := t.df.Select(cols)
	if sel.Err != nil {
		return nil, fmt.Errorf("select: %w", sel.Err)
	}
	return newTable(sel), nil
}

var comparators = map[string]series.Comparator{
	"==": series.Eq,
	"!=": series.Neq,
	">":  series.Greater,
	">=": series.GreaterEq,
	"<":  series.Less,
	"<=": series.LessEq,
}

func tableFilter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var col, op string
	var val starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "col", &col, "op", &op, "value", &val); err != nil {
		return nil, err
	}
	t := recvTable(b)
	cmp, ok := comparators[op]
	if !ok {
		known := make([]string, 0, len(comparators))
		for k := range comparators {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("filter: unknown operator %q (allowed: %s)", op, strings.Join(known, ", "))
	}
	comparando, err := goScalar(val)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	filtered := t.df.Filter(dataframe.F{Colname: col, Comparator: cmp, Comparando: comparando})
	if filtered.Err != nil {
		return nil, fmt.Errorf("filter: %w", filtered.Err)
	}
	return newTable(filtered), nil
}

func tableSort(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var col string
	reverse := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "col", &col, "reverse?", &reverse); err != nil {
		return nil, err
	}
	t := recvTable(b)
	order := dataframe.Sort(col)
	if reverse {
		order = dataframe.RevSort(col)
	}
	sorted := t.df.Arrange(order)
	if sorted.Err != nil {
		return nil, fmt.Errorf("sort: %w", sorted.Err)
	}
	return newTable(sorted), nil
}

var aggregations = map[string]dataframe.AggregationType{
	"mean":  dataframe.Aggregation_MEAN,
	"sum":   dataframe.Aggregation_SUM,
	"count": dataframe.Aggregation_COUNT,
	"min":   dataframe.Aggregation_MIN,
	"max":   dataframe.Aggregation_MAX,
}

func tableGroupBy(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var col, aggCol, agg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "col", &col, "agg_col", &aggCol, "agg", &agg); err != nil {
		return nil, err
	}
	t := recvTable(b)
	aggType, ok := aggregations[strings.ToLower(agg)]
	if !ok {
		known := make([]string, 0, len(aggregations))
		for k := range aggregations {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("group_by: unknown aggregation %q (allowed: %s)", agg, strings.Join(known, ", "))
	}
	groups := t.df.GroupBy(col)
	if groups.Err != nil {
		return nil, fmt.Errorf("group_by: %w", groups.Err)
	}
	result := groups.Aggregation([]dataframe.AggregationType{aggType}, []string{aggCol})
	if result.Err != nil {
		return nil, fmt.Errorf("group_by: %w", result.Err)
	}
	// Deterministic row order regardless of map iteration inside gota.
	result = result.Arrange(dataframe.Sort(col))
	if result.Err != nil {
		return nil, fmt.Errorf("group_by: %w", result.Err)
	}
	return newTable(result), nil
}

func tableCol(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	t := recvTable(b)
	found := false
	for _, n := range t.df.Names() {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("col: unknown column %q", name)
	}
	return &seriesValue{s: t.df.Col(name)}, nil
}

// seriesValue wraps a single dataframe column.
type seriesValue struct {
	s series.Series
}

func (v *seriesValue) String() string {
	return fmt.Sprintf("<series %s len=%d>", v.s.Name, v.s.Len())
}

func (v *seriesValue) Type() string          { return "series" }
func (v *seriesValue) Freeze()               {}
func (v *seriesValue) Truth() starlark.Bool  { return starlark.Bool(v.s.Len() > 0) }
func (v *seriesValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: series") }

var seriesMethods = map[string]*starlark.Builtin{
	"mean":   starlark.NewBuiltin("mean", seriesMean),
	"sum":    starlark.NewBuiltin("sum", seriesSum),
	"min":    starlark.NewBuiltin("min", seriesMin),
	"max":    starlark.NewBuiltin("max", seriesMax),
	"count":  starlark.NewBuiltin("count", seriesCount),
	"unique": starlark.NewBuiltin("unique", seriesUnique),
	"values": starlark.NewBuiltin("values", seriesValues),
}

func (v *seriesValue) Attr(name string) (starlark.Value, error) {
	b, ok := seriesMethods[name]
	if !ok {
		return nil, nil
	}
	return b.BindReceiver(v), nil
}

func (v *seriesValue) AttrNames() []string {
	names := make([]string, 0, len(seriesMethods))
	for name := range seriesMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func recvSeries(b *starlark.Builtin) *seriesValue {
	return b.Receiver().(*seriesValue)
}

func seriesMean(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.Float(recvSeries(b).s.Mean()), nil
}

func seriesSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.Float(recvSeries(b).s.Sum()), nil
}

func seriesMin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.Float(recvSeries(b).s.Min()), nil
}

func seriesMax(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.Float(recvSeries(b).s.Max()), nil
}

func seriesCount(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.MakeInt(recvSeries(b).s.Len()), nil
}

func seriesUnique(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	records := recvSeries(b).s.Records()
	seen := make(map[string]struct{}, len(records))
	out := []starlark.Value{}
	for _, rec := range records {
		if _, dup := seen[rec]; dup {
			continue
		}
		seen[rec] = struct{}{}
		out = append(out, starlark.String(rec))
	}
	return starlark.NewList(out), nil
}

func seriesValues(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	v := recvSeries(b)
	out := make([]starlark.Value, 0, v.s.Len())
	switch v.s.Type() {
	case series.Int, series.Float:
		for _, f := range v.s.Float() {
			out = append(out, starlark.Float(f))
		}
	default:
		for _, rec := range v.s.Records() {
			out = append(out, starlark.String(rec))
		}
	}
	return starlark.NewList(out), nil
}

// dataModule provides the `data` namespace with the table constructor.
func dataModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "data",
		Members: starlark.StringDict{
			"table": starlark.NewBuiltin("table", dataTable),
		},
	}
}

func dataTable(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dict *starlark.Dict
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "columns", &dict); err != nil {
		return nil, err
	}
	if dict.Len() == 0 {
		return nil, fmt.Errorf("table: at least one column required")
	}

	names := make([]string, 0, dict.Len())
	byName := make(map[string]starlark.Value, dict.Len())
	for _, item := range dict.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("table: column names must be strings, got %s", item[0].Type())
		}
		names = append(names, name)
		byName[name] = item[1]
	}
	sort.Strings(names)

	columns := make([]series.Series, 0, len(names))
	rowCount := -1
	for _, name := range names {
		col, err := buildSeries(name, byName[name])
		if err != nil {
			return nil, fmt.Errorf("table: column %q: %w", name, err)
		}
		if rowCount >= 0 && col.Len() != rowCount {
			return nil, fmt.Errorf("table: column %q has %d rows, expected %d", name, col.Len(), rowCount)
		}
		rowCount = col.Len()
		columns = append(columns, col)
	}

	df := dataframe.New(columns...)
	if df.Err != nil {
		return nil, fmt.Errorf("table: %w", df.Err)
	}
	return newTable(df), nil
}

func buildSeries(name string, v starlark.Value) (series.Series, error) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return series.Series{}, fmt.Errorf("values must be a list, got %s", v.Type())
	}

	var floats []float64
	var strs []string
	numeric := true

	it := iter.Iterate()
	defer it.Done()
	var elem starlark.Value
	for it.Next(&elem) {
		switch e := elem.(type) {
		case starlark.Int:
			f, _ := starlark.AsFloat(e)
			floats = append(floats, f)
			strs = append(strs, e.String())
		case starlark.Float:
			floats = append(floats, float64(e))
			strs = append(strs, e.String())
		case starlark.String:
			numeric = false
			strs = append(strs, string(e))
		default:
			return series.Series{}, fmt.Errorf("unsupported element type %s", elem.Type())
		}
	}

	if numeric {
		return series.New(floats, series.Float, name), nil
	}
	return series.New(strs, series.String, name), nil
}

// goScalar converts a starlark scalar for use as a filter comparando.
func goScalar(v starlark.Value) (interface{}, error) {
	switch t := v.(type) {
	case starlark.String:
		return string(t), nil
	case starlark.Int:
		f, _ := starlark.AsFloat(t)
		return f, nil
	case starlark.Float:
		return float64(t), nil
	case starlark.Bool:
		return bool(t), nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", v.Type())
	}
}
