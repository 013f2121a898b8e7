package style

import (
	"fmt"
	"sort"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/segmentation"
)

// Property names.
const (
	FillAlpha      = "fillAlpha"
	OutlineWidth   = "outlineWidth"
	OutlineOpacity = "outlineOpacity"
	OutlineDash    = "outlineDash"
	RenderFill     = "renderFill"
	RenderOutline  = "renderOutline"
	Opacity        = "opacity"
	Color          = "color"
)

type valueType int

const (
	typeFloat valueType = iota
	typeBool
	typeString
	typeColor
)

func (t valueType) String() string {
	switch t {
	case typeFloat:
		return "number"
	case typeBool:
		return "bool"
	case typeString:
		return "string"
	case typeColor:
		return "RGB color"
	}
	return "unknown"
}

// properties lists the valid property set of each kind.
var properties = map[segmentation.Kind]map[string]valueType{
	segmentation.Labelmap: {
		FillAlpha:     typeFloat,
		OutlineWidth:  typeFloat,
		RenderFill:    typeBool,
		RenderOutline: typeBool,
	},
	segmentation.Contour: {
		OutlineWidth:   typeFloat,
		OutlineOpacity: typeFloat,
		FillAlpha:      typeFloat,
		RenderFill:     typeBool,
		OutlineDash:    typeString,
	},
	segmentation.Surface: {
		Opacity: typeFloat,
		Color:   typeColor,
	},
}

var defaults = map[segmentation.Kind]Style{
	segmentation.Labelmap: {
		FillAlpha:     0.5,
		OutlineWidth:  1.0,
		RenderFill:    true,
		RenderOutline: true,
	},
	segmentation.Contour: {
		OutlineWidth:   1.0,
		OutlineOpacity: 1.0,
		FillAlpha:      0.5,
		RenderFill:     false,
		OutlineDash:    "",
	},
	segmentation.Surface: {
		Opacity: 1.0,
		Color:   RGB{221, 84, 84},
	},
}

// Defaults returns a copy of the built-in default style of kind.
func Defaults(kind segmentation.Kind) Style {
	return defaults[kind].Clone()
}

// Properties returns the valid property names of kind, sorted.
func Properties(kind segmentation.Kind) []string {
	names := make([]string, 0, len(properties[kind]))
	for name := range properties[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every property of s against the property set of kind and
// returns a normalized copy: numbers become float64 and colors become RGB.
func Validate(kind segmentation.Kind, s Style) (Style, error) {
	if err := segmentation.ValidateKind(kind); err != nil {
		return nil, err
	}
	valid := properties[kind]
	out := make(Style, len(s))
	for name, v := range s {
		t, ok := valid[name]
		if !ok {
			return nil, errors.New(errors.ErrCodeInvalidStyle, "property %q is not valid for %s styles", name, kind)
		}
		nv, err := normalize(t, v)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidStyle, err, "property %q of %s style", name, kind)
		}
		out[name] = nv
	}
	return out, nil
}

func normalize(t valueType, v any) (any, error) {
	switch t {
	case typeFloat:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
	case typeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case typeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case typeColor:
		if c, ok := toRGB(v); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	}
	return 0, false
}

func toRGB(v any) (RGB, bool) {
	switch c := v.(type) {
	case RGB:
		return c, true
	case [3]uint8:
		return RGB(c), true
	case []int:
		if len(c) == 3 {
			return channels(float64(c[0]), float64(c[1]), float64(c[2]))
		}
	case []any:
		if len(c) == 3 {
			r, ok1 := toFloat(c[0])
			g, ok2 := toFloat(c[1])
			b, ok3 := toFloat(c[2])
			if ok1 && ok2 && ok3 {
				return channels(r, g, b)
			}
		}
	}
	return RGB{}, false
}

func channels(r, g, b float64) (RGB, bool) {
	for _, c := range [3]float64{r, g, b} {
		if c < 0 || c > 255 {
			return RGB{}, false
		}
	}
	return RGB{uint8(r), uint8(g), uint8(b)}, true
}
