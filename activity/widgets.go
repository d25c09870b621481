package activity

import (
	_ "embed"

	"github.com/coder/quartz"

	"github.com/warp/salesops-engine/factory"
	"github.com/warp/salesops-engine/generic"
)

//go:embed widgets.yaml
var builtinWidgets []byte

// BuiltinDefinitions returns the embedded widget catalogue as YAML.
func BuiltinDefinitions() []byte { return builtinWidgets }

// NewWidgetFactory returns a factory for activity widgets.
func NewWidgetFactory(clock quartz.Clock) *factory.WidgetFactory[Activity] {
	return factory.NewWidgetFactory(Schema(), clock)
}

// DefaultWidgets builds the built-in catalogue.
func DefaultWidgets(clock quartz.Clock) ([]*generic.WidgetSpec[Activity], error) {
	return NewWidgetFactory(clock).Parse(builtinWidgets)
}

// LoadWidgets builds the catalogue from a definition file, or the built-in
// one when path is empty.
func LoadWidgets(path string, clock quartz.Clock) ([]*generic.WidgetSpec[Activity], error) {
	if path == "" {
		return DefaultWidgets(clock)
	}
	return NewWidgetFactory(clock).LoadFile(path)
}
