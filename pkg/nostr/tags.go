package nostr

// Tag is one wire tag: Tag[0] is the name, the rest are positional values.
type Tag []string

func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the primary value, or "" when the tag carries none.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Values returns every value after the name.
func (t Tag) Values() []string {
	if len(t) < 2 {
		return nil
	}
	return t[1:]
}

type Tags []Tag

// Find returns the first tag named key.
func (tags Tags) Find(key string) (Tag, bool) {
	for _, t := range tags {
		if t.Key() == key {
			return t, true
		}
	}
	return nil, false
}

// Value returns the primary value of the first tag named key.
func (tags Tags) Value(key string) (string, bool) {
	t, ok := tags.Find(key)
	if !ok || len(t) < 2 {
		return "", false
	}
	return t[1], true
}

// Has reports whether some tag named key has value as its primary value.
// Secondary values are not considered, the same as relay tag filters.
func (tags Tags) Has(key, value string) bool {
	for _, t := range tags {
		if t.Key() == key && len(t) >= 2 && t.Value() == value {
			return true
		}
	}
	return false
}
