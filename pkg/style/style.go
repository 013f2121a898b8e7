package style

// RGB is an 8-bit color.
type RGB [3]uint8

// Style is a property bag. A property that is absent is unset and inherits
// from a less specific layer.
type Style map[string]any

// Clone returns a shallow copy of s.
func (s Style) Clone() Style {
	out := make(Style, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge overlays the set properties of over onto s in place.
func (s Style) Merge(over Style) {
	for k, v := range over {
		s[k] = v
	}
}

// Float returns a numeric property.
func (s Style) Float(name string) (float64, bool) {
	f, ok := s[name].(float64)
	return f, ok
}

// Bool returns a boolean property.
func (s Style) Bool(name string) (bool, bool) {
	b, ok := s[name].(bool)
	return b, ok
}

// Text returns a string property.
func (s Style) Text(name string) (string, bool) {
	v, ok := s[name].(string)
	return v, ok
}

// Color returns a color property.
func (s Style) Color(name string) (RGB, bool) {
	c, ok := s[name].(RGB)
	return c, ok
}
