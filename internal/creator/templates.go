package creator

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"
)

// Archetype is a family of tools the template generator knows how to write.
type Archetype struct {
	Name     string
	Keywords []string
	Imports  []string
	Schema   string
	// Compute is the body of `func compute(params map[string]interface{}) (interface{}, error)`.
	Compute  string
	Helpers  []string
	Example  string
	UseCases []string
	Tags     []string
}

// StubArchetype is used when a description matches no archetype and no other
// generator is configured.
const StubArchetype = "stub"

const (
	helperToInt = `func toInt(v interface{}, field string) (int, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%s must be a number, got %T", field, v)
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%s must be an integer, got %v", field, f)
	}
	return int(f), nil
}`
	helperToFloats = `func toFloats(v interface{}, field string) ([]float64, error) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be an array, got %T", field, v)
	}
	out := make([]float64, len(raw))
	for i, item := range raw {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a number, got %T", field, i, item)
		}
		out[i] = f
	}
	return out, nil
}`
)

// archetypes are checked in order; the first keyword hit wins.
var archetypes = []Archetype{
	{
		Name:     "fibonacci",
		Keywords: []string{"fibonacci", "fib "},
		Imports:  []string{"fmt"},
		Schema:   `{"type":"object","properties":{"n":{"type":"integer","minimum":0,"maximum":90,"description":"index in the sequence"}},"required":["n"]}`,
		Compute: `n, err := toInt(params["n"], "n")
	if err != nil {
		return nil, err
	}
	a, b := 0, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a, nil`,
		Helpers:  []string{helperToInt},
		Example:  `{"n":10}`,
		UseCases: []string{"compute the nth fibonacci number"},
		Tags:     []string{"math", "sequence"},
	},
	{
		Name:     "factorial",
		Keywords: []string{"factorial"},
		Imports:  []string{"fmt"},
		Schema:   `{"type":"object","properties":{"n":{"type":"integer","minimum":0,"maximum":20}},"required":["n"]}`,
		Compute: `n, err := toInt(params["n"], "n")
	if err != nil {
		return nil, err
	}
	result := 1
	for i := 2; i <= n; i++ {
		result *= i
	}
	return result, nil`,
		Helpers:  []string{helperToInt},
		Example:  `{"n":5}`,
		UseCases: []string{"compute n!"},
		Tags:     []string{"math"},
	},
	{
		Name:     "prime",
		Keywords: []string{"prime"},
		Imports:  []string{"fmt"},
		Schema:   `{"type":"object","properties":{"n":{"type":"integer","minimum":0}},"required":["n"]}`,
		Compute: `n, err := toInt(params["n"], "n")
	if err != nil {
		return nil, err
	}
	if n < 2 {
		return false, nil
	}
	for d := 2; d*d <= n; d++ {
		if n%d == 0 {
			return false, nil
		}
	}
	return true, nil`,
		Helpers:  []string{helperToInt},
		Example:  `{"n":7}`,
		UseCases: []string{"test whether a number is prime"},
		Tags:     []string{"math"},
	},
	{
		Name:     "sort",
		Keywords: []string{"sort", "order"},
		Imports:  []string{"fmt", "sort"},
		Schema:   `{"type":"object","properties":{"items":{"type":"array","items":{"type":"number"}},"descending":{"type":"boolean"}},"required":["items"]}`,
		Compute: `items, err := toFloats(params["items"], "items")
	if err != nil {
		return nil, err
	}
	sort.Float64s(items)
	if desc, _ := params["descending"].(bool); desc {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	return items, nil`,
		Helpers:  []string{helperToFloats},
		Example:  `{"items":[3,1,2]}`,
		UseCases: []string{"sort a list of numbers"},
		Tags:     []string{"list"},
	},
	{
		Name:     "reverse",
		Keywords: []string{"reverse", "backwards"},
		Imports:  []string{"fmt"},
		Schema:   `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		Compute: `text, ok := params["text"].(string)
	if !ok {
		return nil, fmt.Errorf("text must be a string, got %T", params["text"])
	}
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil`,
		Example:  `{"text":"hello"}`,
		UseCases: []string{"reverse a string"},
		Tags:     []string{"text"},
	},
	{
		Name:     "sum",
		Keywords: []string{"sum", "add up", "total"},
		Imports:  []string{"fmt"},
		Schema:   `{"type":"object","properties":{"numbers":{"type":"array","items":{"type":"number"}}},"required":["numbers"]}`,
		Compute: `numbers, err := toFloats(params["numbers"], "numbers")
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, x := range numbers {
		total += x
	}
	return total, nil`,
		Helpers:  []string{helperToFloats},
		Example:  `{"numbers":[1,2,3]}`,
		UseCases: []string{"add up a list of numbers"},
		Tags:     []string{"math", "list"},
	},
	{
		Name:     "fetch",
		Keywords: []string{"fetch", "download", "http", "url"},
		Imports:  []string{"fmt", "io", "net/http"},
		Schema:   `{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`,
		Compute: `url, ok := params["url"].(string)
	if !ok {
		return nil, fmt.Errorf("url must be a string")
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return string(body), nil`,
		Example:  `{"url":"http://localhost"}`,
		UseCases: []string{"fetch a URL"},
		Tags:     []string{"network"},
	},
	{
		Name:     "shell",
		Keywords: []string{"shell", "command", "exec", "spawn"},
		Imports:  []string{"fmt", "os/exec"},
		Schema:   `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
		Compute: `command, ok := params["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}
	out, err := exec.Command("sh", "-c", command).CombinedOutput()
	if err != nil {
		return nil, err
	}
	return string(out), nil`,
		Example:  `{"command":"true"}`,
		UseCases: []string{"run a shell command"},
		Tags:     []string{"system"},
	},
}

var stub = Archetype{
	Name:     StubArchetype,
	Imports:  []string{"fmt"},
	Schema:   `{"type":"object","properties":{"input":{"type":"string"}}}`,
	Compute:  `return map[string]interface{}{"implemented": false, "message": "not implemented", "input": fmt.Sprint(params["input"])}, nil`,
	Example:  `{"input":"test"}`,
	UseCases: []string{"placeholder until a real implementation is registered"},
	Tags:     []string{"stub"},
}

// Classify picks the archetype for a gap from its description and tool name.
// Keywords match whole words, so "exec" does not match "execute".
func Classify(toolName, description string) (Archetype, bool) {
	words := strings.FieldsFunc(strings.ToLower(description+" "+toolName), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, a := range archetypes {
		for _, kw := range a.Keywords {
			if containsPhrase(words, strings.Fields(kw)) {
				return a, true
			}
		}
	}
	return Archetype{}, false
}

// keywordSuffixes are the inflections a keyword may carry ("primes", "sorted").
var keywordSuffixes = []string{"", "s", "es", "ed", "ing"}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		matched := true
		for j, kw := range phrase {
			if !wordMatches(words[i+j], kw) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func wordMatches(word, kw string) bool {
	rest, ok := strings.CutPrefix(word, kw)
	if !ok {
		return false
	}
	for _, suffix := range keywordSuffixes {
		if rest == suffix {
			return true
		}
	}
	return false
}

var toolTemplate = template.Must(template.New("tool").Funcs(template.FuncMap{
	"quote": strconv.Quote,
	"oneline": func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	},
}).Parse(`package tool

import (
{{- range .Imports }}
	{{ quote . }}
{{- end }}
)

// {{ .ToolName }} ({{ .Archetype }}): {{ oneline .Description }}

const Schema = ` + "`{{ .Schema }}`" + `

func compute(params map[string]interface{}) (interface{}, error) {
	{{ .Compute }}
}
{{ range .Helpers }}
{{ . }}
{{ end }}
func Run(params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return nil, fmt.Errorf("%s: parameters are required", {{ quote .ToolName }})
	}
	value, err := compute(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", {{ quote .ToolName }}, err)
	}
	return map[string]interface{}{"value": value, "tool": {{ quote .ToolName }}}, nil
}
`))

// Render writes tool source for an archetype.
func Render(a Archetype, toolName, description string) (string, error) {
	imports := append([]string(nil), a.Imports...)
	if !containsString(imports, "fmt") {
		imports = append(imports, "fmt")
	}
	sort.Strings(imports)

	var buf bytes.Buffer
	err := toolTemplate.Execute(&buf, map[string]interface{}{
		"ToolName":    toolName,
		"Archetype":   a.Name,
		"Description": description,
		"Imports":     imports,
		"Schema":      a.Schema,
		"Compute":     a.Compute,
		"Helpers":     a.Helpers,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", a.Name, err)
	}
	return buf.String(), nil
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
