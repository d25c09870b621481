/*
Package factory provides YAML to Go widget conversion.

PURPOSE:
  Converts YAML widget definitions into generic.WidgetSpec values: the
  window (date field, default range, fixed conditions) and the metrics
  (grouping plus measures). Adding or tuning a dashboard widget is a
  configuration change, not a code change.

YAML SCHEMA:
  widgets:
    - name: calls-to-si
      title: Calls to SI
      table: activities
      date_field: dateCreated
      default_range: current_month      # or "none"
      where:
        - {field: source, in: ["Outbound - Touchbase"]}
      metrics:
        - name: conversion
          group_by: month:dateCreated   # owner | month:<date field> | <string field>
          measures:
            - {name: calls, kind: count}
            - {name: si, kind: count, where: [{field: status, equals: Delivered}]}
            - {name: calls_to_si, kind: ratio, numerator: calls, denominator: si}

MEASURE KINDS:
  count     records matching where
  sum       amount field over matching records (field)
  average   mean of an amount field (field)
  duration  sum of end-start in ms (start, end date fields)
  ratio     numerator/denominator*100, 0 on a zero denominator

CONDITIONS:
  Exactly one of equals, in, not_in (string fields) or present (date
  fields) per condition.

VALIDATION:
  Structure is checked with go-playground/validator, field references
  against the record schema. Errors name the widget and field
  (generic.DefinitionError).

USAGE:
  f := factory.NewWidgetFactory(activity.Schema(), clock)
  specs, err := f.Parse(yamlBytes)

SEE ALSO:
  - activity/widgets.yaml: built-in catalogue
  - generic/aggregate.go: the measures these definitions build
*/
package factory

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/warp/salesops-engine/generic"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// CatalogYAML is the root of a widget definition file.
type CatalogYAML struct {
	Widgets []WidgetYAML `yaml:"widgets" validate:"required,min=1,dive"`
}

// WidgetYAML is one widget definition.
type WidgetYAML struct {
	Name         string          `yaml:"name" validate:"required,hostname_rfc1123"`
	Title        string          `yaml:"title" validate:"required"`
	Description  string          `yaml:"description,omitempty"`
	Table        string          `yaml:"table" validate:"required"`
	DateField    string          `yaml:"date_field,omitempty"`
	DefaultRange string          `yaml:"default_range,omitempty" validate:"omitempty,oneof=none current_month"`
	Where        []ConditionYAML `yaml:"where,omitempty" validate:"dive"`
	Metrics      []MetricYAML    `yaml:"metrics" validate:"required,min=1,dive"`
}

// ConditionYAML is a fixed predicate.
type ConditionYAML struct {
	Field   string   `yaml:"field" validate:"required"`
	Equals  *string  `yaml:"equals,omitempty"`
	In      []string `yaml:"in,omitempty"`
	NotIn   []string `yaml:"not_in,omitempty"`
	Present *bool    `yaml:"present,omitempty"`
}

// MetricYAML is a set of measures with an optional grouping.
type MetricYAML struct {
	Name     string        `yaml:"name" validate:"required"`
	GroupBy  string        `yaml:"group_by,omitempty"`
	Measures []MeasureYAML `yaml:"measures" validate:"required,min=1,dive"`
}

// MeasureYAML is one reducer.
type MeasureYAML struct {
	Name        string          `yaml:"name" validate:"required"`
	Kind        string          `yaml:"kind" validate:"required,oneof=count sum average duration ratio"`
	Field       string          `yaml:"field,omitempty"`
	Start       string          `yaml:"start,omitempty"`
	End         string          `yaml:"end,omitempty"`
	Numerator   string          `yaml:"numerator,omitempty"`
	Denominator string          `yaml:"denominator,omitempty"`
	Where       []ConditionYAML `yaml:"where,omitempty" validate:"dive"`
}

// =============================================================================
// WIDGET FACTORY
// =============================================================================

// WidgetFactory converts YAML definitions into widget specs for records of
// type R.
type WidgetFactory[R generic.Record] struct {
	schema   generic.Schema[R]
	clock    quartz.Clock
	validate *validator.Validate
}

// NewWidgetFactory creates a factory resolving field names against schema.
// The clock drives "current_month" default ranges.
func NewWidgetFactory[R generic.Record](schema generic.Schema[R], clock quartz.Clock) *WidgetFactory[R] {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &WidgetFactory[R]{
		schema:   schema,
		clock:    clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// LoadFile parses a definition file from disk.
func (f *WidgetFactory[R]) LoadFile(path string) ([]*generic.WidgetSpec[R], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read widget definitions: %w", err)
	}
	return f.Parse(data)
}

// Parse converts a YAML catalogue into widget specs.
func (f *WidgetFactory[R]) Parse(data []byte) ([]*generic.WidgetSpec[R], error) {
	var catalog CatalogYAML
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse widget definitions: %w", err)
	}
	if err := f.validate.Struct(catalog); err != nil {
		return nil, fmt.Errorf("invalid widget definitions: %w", describeValidation(err))
	}

	seen := make(map[string]bool, len(catalog.Widgets))
	specs := make([]*generic.WidgetSpec[R], 0, len(catalog.Widgets))
	for _, w := range catalog.Widgets {
		if seen[w.Name] {
			return nil, &generic.DefinitionError{Widget: w.Name, Reason: "duplicate widget name"}
		}
		seen[w.Name] = true

		spec, err := f.Build(w)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Build converts a single definition.
func (f *WidgetFactory[R]) Build(w WidgetYAML) (*generic.WidgetSpec[R], error) {
	if w.DateField != "" {
		if _, ok := f.schema.DateField(w.DateField); !ok {
			return nil, &generic.DefinitionError{Widget: w.Name, Field: w.DateField, Reason: "not a date field"}
		}
	}

	where, err := f.conditions(w.Name, w.Where)
	if err != nil {
		return nil, err
	}

	metrics := make([]generic.Metric[R], 0, len(w.Metrics))
	for _, m := range w.Metrics {
		metric, err := f.metric(w.Name, m)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, metric)
	}

	def := generic.DefaultNone
	if w.DefaultRange != "" {
		def = generic.DefaultRange(w.DefaultRange)
	}

	return &generic.WidgetSpec[R]{
		Name:        w.Name,
		Title:       w.Title,
		Description: w.Description,
		Table:       w.Table,
		Pipeline: &generic.Pipeline[R]{
			Schema: f.schema,
			Window: generic.Window[R]{
				DateField: w.DateField,
				Default:   def,
				Where:     where,
			},
			Metrics: metrics,
			Clock:   f.clock,
		},
	}, nil
}

func (f *WidgetFactory[R]) metric(widget string, m MetricYAML) (generic.Metric[R], error) {
	metric := generic.Metric[R]{Name: m.Name}

	if m.GroupBy != "" {
		dim, err := f.dimension(widget, m.GroupBy)
		if err != nil {
			return metric, err
		}
		metric.GroupBy = &dim
	}

	for _, ms := range m.Measures {
		measure, err := f.measure(widget, ms)
		if err != nil {
			return metric, err
		}
		metric.Measures = append(metric.Measures, measure)
	}

	if err := metric.Validate(); err != nil {
		return metric, &generic.DefinitionError{Widget: widget, Reason: err.Error()}
	}
	return metric, nil
}

func (f *WidgetFactory[R]) dimension(widget, groupBy string) (generic.Dimension[R], error) {
	switch {
	case groupBy == "owner":
		return generic.ByOwner[R](), nil
	case strings.HasPrefix(groupBy, "month:"):
		field := strings.TrimPrefix(groupBy, "month:")
		date, ok := f.schema.DateField(field)
		if !ok {
			return generic.Dimension[R]{}, &generic.DefinitionError{Widget: widget, Field: field, Reason: "not a date field"}
		}
		return generic.ByMonth(field, date), nil
	default:
		field, ok := f.schema.StringField(groupBy)
		if !ok {
			return generic.Dimension[R]{}, &generic.DefinitionError{Widget: widget, Field: groupBy, Reason: "not a groupable field"}
		}
		return generic.ByField(groupBy, field), nil
	}
}

func (f *WidgetFactory[R]) measure(widget string, m MeasureYAML) (generic.Measure[R], error) {
	where, err := f.conditions(widget, m.Where)
	if err != nil {
		return generic.Measure[R]{}, err
	}

	switch m.Kind {
	case "count":
		return generic.Count(m.Name, where...), nil
	case "sum", "average":
		amount, ok := f.schema.AmountField(m.Field)
		if !ok {
			return generic.Measure[R]{}, &generic.DefinitionError{Widget: widget, Field: m.Field, Reason: "not an amount field"}
		}
		if m.Kind == "sum" {
			return generic.Sum(m.Name, amount, where...), nil
		}
		return generic.Average(m.Name, amount, where...), nil
	case "duration":
		start, ok := f.schema.DateField(m.Start)
		if !ok {
			return generic.Measure[R]{}, &generic.DefinitionError{Widget: widget, Field: m.Start, Reason: "not a date field"}
		}
		end, ok := f.schema.DateField(m.End)
		if !ok {
			return generic.Measure[R]{}, &generic.DefinitionError{Widget: widget, Field: m.End, Reason: "not a date field"}
		}
		return generic.Duration(m.Name, start, end, where...), nil
	case "ratio":
		return generic.Ratio[R](m.Name, m.Numerator, m.Denominator), nil
	default:
		return generic.Measure[R]{}, &generic.DefinitionError{Widget: widget, Reason: fmt.Sprintf("unknown measure kind %q", m.Kind)}
	}
}

func (f *WidgetFactory[R]) conditions(widget string, defs []ConditionYAML) ([]generic.Predicate[R], error) {
	preds := make([]generic.Predicate[R], 0, len(defs))
	for _, c := range defs {
		p, err := f.condition(widget, c)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func (f *WidgetFactory[R]) condition(widget string, c ConditionYAML) (generic.Predicate[R], error) {
	set := 0
	for _, ok := range []bool{c.Equals != nil, len(c.In) > 0, len(c.NotIn) > 0, c.Present != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, &generic.DefinitionError{Widget: widget, Field: c.Field, Reason: "condition needs exactly one of equals, in, not_in, present"}
	}

	if c.Present != nil {
		date, ok := f.schema.DateField(c.Field)
		if !ok {
			return nil, &generic.DefinitionError{Widget: widget, Field: c.Field, Reason: "not a date field"}
		}
		if *c.Present {
			return generic.HasDate(date), nil
		}
		return generic.Not(generic.HasDate(date)), nil
	}

	field, ok := f.schema.StringField(c.Field)
	if !ok {
		return nil, &generic.DefinitionError{Widget: widget, Field: c.Field, Reason: "not a string field"}
	}
	switch {
	case c.Equals != nil:
		return generic.Equals(field, *c.Equals), nil
	case len(c.In) > 0:
		return generic.In(field, c.In...), nil
	default:
		return generic.Not(generic.In(field, c.NotIn...)), nil
	}
}

// describeValidation flattens validator errors into one readable line.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}
