// Package sizes holds the static size-spec table: every uploaded image is
// transcoded into one output per tier, bounded by the tier's width and height.
package sizes

// Spec is a single size tier with its bounding box.
type Spec struct {
	Name   string
	Width  int
	Height int
}

var tiers = []Spec{
	{Name: "thumb", Width: 150, Height: 150},
	{Name: "small", Width: 320, Height: 320},
	{Name: "medium", Width: 800, Height: 800},
	{Name: "large", Width: 1600, Height: 1600},
}

// All returns the fixed tier set in deterministic (ascending) order.
func All() []Spec {
	out := make([]Spec, len(tiers))
	copy(out, tiers)
	return out
}

// ByName looks up a tier by its name.
func ByName(name string) (Spec, bool) {
	for _, t := range tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Spec{}, false
}

// Names returns the tier names in the same order as All.
func Names() []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = t.Name
	}
	return out
}
