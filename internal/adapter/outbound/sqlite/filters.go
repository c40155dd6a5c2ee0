package sqlite

import (
	"strconv"
	"strings"

	"github.com/procsi/procsi/internal/domain/capture"
)

// condBuilder accumulates conjunctive WHERE conditions.
type condBuilder struct {
	conds []string
	args  []any
}

func (b *condBuilder) add(cond string, args ...any) {
	b.conds = append(b.conds, cond)
	b.args = append(b.args, args...)
}

func (b *condBuilder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// buildFilter translates ListOptions into SQL conditions. All filter
// fields combine conjunctively; zero values are wildcards.
func buildFilter(opts capture.ListOptions) *condBuilder {
	b := &condBuilder{}

	if opts.SessionID != "" {
		b.add("session_id = ?", opts.SessionID)
	}
	if opts.Label != "" {
		b.add("label = ?", opts.Label)
	}

	f := opts.Filter
	if f == nil {
		return b
	}

	if len(f.Methods) > 0 {
		ph := make([]string, len(f.Methods))
		for i, m := range f.Methods {
			ph[i] = "?"
			b.args = append(b.args, strings.ToUpper(m))
		}
		b.conds = append(b.conds, "method IN ("+strings.Join(ph, ", ")+")")
	}

	if lo, hiExcl, ok := parseStatusRange(f.StatusRange); ok {
		b.add("response_status >= ? AND response_status < ?", lo, hiExcl)
	}

	for _, term := range strings.Fields(f.Search) {
		b.add("(instr(url, ?) > 0 OR instr(path, ?) > 0)", term, term)
	}

	if f.Regex != "" {
		pattern, flags := normalizeRegexLiteral(f.Regex, f.RegexFlags)
		b.add("procsi_regexp(?, ?, url)", pattern, flags)
	}

	if f.Host != "" {
		if strings.HasPrefix(f.Host, ".") {
			b.add(`host LIKE ? ESCAPE '\'`, "%"+escapeLike(f.Host))
		} else {
			b.add("host = ?", f.Host)
		}
	}

	if f.PathPrefix != "" {
		b.add(`path LIKE ? ESCAPE '\'`, escapeLike(f.PathPrefix)+"%")
	}

	if f.Since > 0 {
		b.add("timestamp >= ?", f.Since)
	}
	if f.Before > 0 {
		b.add("timestamp < ?", f.Before)
	}

	if f.HeaderName != "" {
		addHeaderCond(b, f)
	}

	if f.InterceptedBy != "" {
		b.add("intercepted_by = ?", f.InterceptedBy)
	}
	if f.Saved != nil {
		b.add("saved = ?", boolInt(*f.Saved))
	}
	if f.Source != "" {
		b.add("source = ?", f.Source)
	}

	return b
}

func addHeaderCond(b *condBuilder, f *capture.Filter) {
	path := headerJSONPath(f.HeaderName)

	var side func(col string) (string, []any)
	if f.HeaderValue != "" {
		side = func(col string) (string, []any) {
			return "json_extract(" + col + ", ?) = ?", []any{path, f.HeaderValue}
		}
	} else {
		side = func(col string) (string, []any) {
			return "json_type(" + col + ", ?) IS NOT NULL", []any{path}
		}
	}

	target := f.HeaderTarget
	if target == "" {
		target = capture.TargetBoth
	}
	switch target {
	case capture.TargetRequest:
		cond, args := side("request_headers")
		b.add(cond, args...)
	case capture.TargetResponse:
		cond, args := side("response_headers")
		b.add(cond, args...)
	default:
		reqCond, reqArgs := side("request_headers")
		respCond, respArgs := side("response_headers")
		b.add("("+reqCond+" OR "+respCond+")", append(reqArgs, respArgs...)...)
	}
}

// headerJSONPath builds a quoted JSON path for a header name. Names are
// matched lowercased, as stored.
func headerJSONPath(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, `\`, `\\`)
	name = strings.ReplaceAll(name, `"`, `\"`)
	return `$."` + name + `"`
}

// parseStatusRange accepts "Nxx", an exact code, or "lo-hi". The
// returned upper bound is exclusive. Unrecognised forms report ok =
// false and are ignored by the caller.
func parseStatusRange(s string) (lo, hiExcl int, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false
	}

	if len(s) == 3 && s[0] >= '1' && s[0] <= '5' && s[1:] == "xx" {
		n := int(s[0]-'0') * 100
		return n, n + 100, true
	}

	if i := strings.IndexByte(s, '-'); i > 0 {
		a, errA := strconv.Atoi(s[:i])
		b, errB := strconv.Atoi(s[i+1:])
		if errA != nil || errB != nil || !validStatus(a) || !validStatus(b) || a > b {
			return 0, 0, false
		}
		return a, b + 1, true
	}

	code, err := strconv.Atoi(s)
	if err != nil || !validStatus(code) {
		return 0, 0, false
	}
	return code, code + 1, true
}

func validStatus(c int) bool { return c >= 100 && c <= 599 }

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
