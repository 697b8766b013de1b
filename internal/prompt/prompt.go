// Package prompt renders the role-tagged messages sent for each annotation
// call. Built-in templates cover the per-pair and per-passage modes; both can
// be replaced from a YAML file.
package prompt

import (
	"bytes"
	"os"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/groundtruth/internal/model"
)

// PairData is the template input for a single (query, entity) judgment.
type PairData struct {
	Vocab    model.Vocabulary
	Query    string
	Entity   string
	Document string
}

// PassageData is the template input for one batch of passages.
type PassageData struct {
	Vocab    model.Vocabulary
	Query    string
	Entity   string
	Passages []string
}

// Count returns the number of passages in the batch.
func (d PassageData) Count() int { return len(d.Passages) }

// SummaryData is the template input for summarizing one entity's evidence
// with respect to a query.
type SummaryData struct {
	Vocab    model.Vocabulary
	Query    string
	Entity   string
	Document string
}

// EntitySummary pairs an entity with its query-specific summary.
type EntitySummary struct {
	Entity  string
	Summary string
}

// JudgeData is the template input for picking the relevant entities of a
// query from their summaries.
type JudgeData struct {
	Vocab     model.Vocabulary
	Query     string
	Summaries []EntitySummary
}

// MessageSpec is one role-tagged message template as written in YAML.
type MessageSpec struct {
	Role string `yaml:"role"`
	Text string `yaml:"text"`
}

// File is the layout of a prompt override file.
type File struct {
	Pair    []MessageSpec `yaml:"pair"`
	Passage []MessageSpec `yaml:"passage"`
	Summary []MessageSpec `yaml:"summary"`
	Judge   []MessageSpec `yaml:"judge"`
}

type compiled struct {
	role model.Role
	tmpl *template.Template
}

// Builder renders prompts for a fixed vocabulary.
type Builder struct {
	vocab   model.Vocabulary
	pair    []compiled
	passage []compiled
	summary []compiled
	judge   []compiled
}

// New creates a builder using the built-in templates, replaced section by
// section by the override file when overridePath is non-empty.
func New(vocab model.Vocabulary, overridePath string) (*Builder, error) {
	f := File{Pair: defaultPair, Passage: defaultPassage, Summary: defaultSummary, Judge: defaultJudge}
	if overridePath != "" {
		override, err := LoadFile(overridePath)
		if err != nil {
			return nil, err
		}
		if len(override.Pair) > 0 {
			f.Pair = override.Pair
		}
		if len(override.Passage) > 0 {
			f.Passage = override.Passage
		}
		if len(override.Summary) > 0 {
			f.Summary = override.Summary
		}
		if len(override.Judge) > 0 {
			f.Judge = override.Judge
		}
	}

	pair, err := compile("pair", f.Pair)
	if err != nil {
		return nil, err
	}
	passage, err := compile("passage", f.Passage)
	if err != nil {
		return nil, err
	}
	summary, err := compile("summary", f.Summary)
	if err != nil {
		return nil, err
	}
	judge, err := compile("judge", f.Judge)
	if err != nil {
		return nil, err
	}
	return &Builder{vocab: vocab, pair: pair, passage: passage, summary: summary, judge: judge}, nil
}

// LoadFile reads a YAML prompt override file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: read %s", path)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "prompt: parse %s", path)
	}
	return &f, nil
}

// Vocabulary returns the vocabulary the builder renders with.
func (b *Builder) Vocabulary() model.Vocabulary {
	return b.vocab
}

// Pair renders the messages for judging one entity against a query.
func (b *Builder) Pair(query, entity string, evidence []string) ([]model.Message, error) {
	data := PairData{
		Vocab:    b.vocab,
		Query:    query,
		Entity:   entity,
		Document: strings.Join(evidence, "\n"),
	}
	return render(b.pair, data)
}

// Passages renders the messages for scoring one batch of passages.
func (b *Builder) Passages(query, entity string, passages []string) ([]model.Message, error) {
	data := PassageData{
		Vocab:    b.vocab,
		Query:    query,
		Entity:   entity,
		Passages: passages,
	}
	return render(b.passage, data)
}

// Summary renders the messages for summarizing one entity for a query.
func (b *Builder) Summary(query, entity string, evidence []string) ([]model.Message, error) {
	data := SummaryData{
		Vocab:    b.vocab,
		Query:    query,
		Entity:   entity,
		Document: strings.Join(evidence, "\n"),
	}
	return render(b.summary, data)
}

// Judge renders the messages asking which of the summarized entities are
// relevant to the query.
func (b *Builder) Judge(query string, summaries []EntitySummary) ([]model.Message, error) {
	return render(b.judge, JudgeData{Vocab: b.vocab, Query: query, Summaries: summaries})
}

func compile(section string, specs []MessageSpec) ([]compiled, error) {
	if len(specs) == 0 {
		return nil, eris.Errorf("prompt: %s section has no messages", section)
	}
	out := make([]compiled, 0, len(specs))
	hasUser := false
	for i, s := range specs {
		role, err := model.ParseRole(s.Role)
		if err != nil {
			return nil, eris.Wrapf(err, "prompt: %s message %d", section, i+1)
		}
		if role == model.RoleUser {
			hasUser = true
		}
		tmpl, err := template.New(section).Funcs(funcs).Option("missingkey=error").Parse(s.Text)
		if err != nil {
			return nil, eris.Wrapf(err, "prompt: %s message %d", section, i+1)
		}
		out = append(out, compiled{role: role, tmpl: tmpl})
	}
	if !hasUser {
		return nil, eris.Errorf("prompt: %s section needs at least one user message", section)
	}
	return out, nil
}

func render(msgs []compiled, data any) ([]model.Message, error) {
	out := make([]model.Message, 0, len(msgs))
	var buf bytes.Buffer
	for _, m := range msgs {
		buf.Reset()
		if err := m.tmpl.Execute(&buf, data); err != nil {
			return nil, eris.Wrap(err, "prompt: render")
		}
		out = append(out, model.Message{Role: m.role, Text: strings.TrimSpace(buf.String())})
	}
	return out, nil
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}
