package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/msageha/formtask/internal/model"
)

// ErrEmptyOutput is returned by parsers that need at least one token.
var ErrEmptyOutput = errors.New("empty output")

// Parse turns captured stdout into a Value according to p.
func Parse(p model.TaskParse, stdout string) (model.Value, error) {
	text := trimLineEnding(stdout)

	switch p.Mode {
	case model.ParseRawText, "":
		return text, nil
	case model.ParseLines:
		return parseLines(text), nil
	case model.ParseNumber:
		return parseNumber(text)
	case model.ParseJSON:
		return parseJSON(text, p.Query)
	case model.ParseRegex:
		return parseRegex(text, p.Pattern)
	default:
		return nil, fmt.Errorf("unknown parse kind %q", p.Mode)
	}
}

// trimLineEnding strips a single trailing CRLF, LF or CR.
func trimLineEnding(s string) string {
	switch {
	case strings.HasSuffix(s, "\r\n"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "\n"), strings.HasSuffix(s, "\r"):
		return s[:len(s)-1]
	}
	return s
}

func parseLines(text string) []any {
	lines := []any{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func parseNumber(text string) (float64, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0, fmt.Errorf("parse number: %w", ErrEmptyOutput)
	}
	token := strings.TrimSuffix(fields[0], "%")
	n, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number: invalid token %q", fields[0])
	}
	return n, nil
}

func parseJSON(text, query string) (model.Value, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if query == "" {
		return nonNull(v)
	}

	code, err := CompileQuery(query)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.Run(v)
	for {
		r, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := r.(error); ok {
			return nil, fmt.Errorf("parse json: query: %w", err)
		}
		results = append(results, normalizeNumbers(r))
	}

	switch len(results) {
	case 0:
		return nil, fmt.Errorf("parse json: query %q produced no result", query)
	case 1:
		return nonNull(results[0])
	default:
		return results, nil
	}
}

// nonNull rejects a null document, which would otherwise read as "no value".
func nonNull(v any) (model.Value, error) {
	if v == nil {
		return nil, errors.New("parse json: result is null")
	}
	return v, nil
}

// normalizeNumbers converts the integer types gojq produces to float64 so
// query results have the same shapes as encoding/json output.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case *big.Int:
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}

// CompileQuery parses and compiles a jq expression.
func CompileQuery(query string) (*gojq.Code, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse json: query %q: %w", query, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("parse json: compile %q: %w", query, err)
	}
	return code, nil
}

// parseRegex extracts the first match. Named groups become an object,
// unnamed groups a list of captures, and a pattern without groups yields
// the matched text.
func parseRegex(text, pattern string) (model.Value, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("parse regex: %w", err)
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("parse regex: no match for %q", pattern)
	}
	if re.NumSubexp() == 0 {
		return m[0], nil
	}

	names := re.SubexpNames()
	named := map[string]any{}
	for i, name := range names[1:] {
		if name != "" {
			named[name] = m[i+1]
		}
	}
	if len(named) > 0 {
		return named, nil
	}

	captures := make([]any, 0, len(m)-1)
	for _, c := range m[1:] {
		captures = append(captures, c)
	}
	return captures, nil
}
