package nostr

import (
	"encoding/json"

	gonostr "github.com/nbd-wtf/go-nostr"
)

// TagMap holds tag filters keyed by single-letter tag name ("p", "d", ...).
// On the wire each entry is rendered as "#<name>".
type TagMap map[string][]string

// Filter selects events on a relay subscription. Zero values mean "no constraint".
type Filter struct {
	IDs     []string
	Kinds   []int
	Authors []string
	Tags    TagMap
	Since   int64
	Until   int64
	Limit   int
}

func (f Filter) lib() gonostr.Filter {
	lf := gonostr.Filter{Limit: f.Limit}
	if len(f.IDs) > 0 {
		lf.IDs = f.IDs
	}
	if len(f.Kinds) > 0 {
		lf.Kinds = f.Kinds
	}
	if len(f.Authors) > 0 {
		lf.Authors = f.Authors
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if lf.Tags == nil {
			lf.Tags = gonostr.TagMap{}
		}
		lf.Tags[name] = values
	}
	if f.Since > 0 {
		since := gonostr.Timestamp(f.Since)
		lf.Since = &since
	}
	if f.Until > 0 {
		until := gonostr.Timestamp(f.Until)
		lf.Until = &until
	}
	return lf
}

func fromLib(lf gonostr.Filter) Filter {
	f := Filter{IDs: lf.IDs, Kinds: lf.Kinds, Authors: lf.Authors, Limit: lf.Limit}
	for name, values := range lf.Tags {
		if f.Tags == nil {
			f.Tags = TagMap{}
		}
		f.Tags[name] = values
	}
	if lf.Since != nil {
		f.Since = int64(*lf.Since)
	}
	if lf.Until != nil {
		f.Until = int64(*lf.Until)
	}
	return f
}

func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.lib())
}

func (f *Filter) UnmarshalJSON(b []byte) error {
	var lf gonostr.Filter
	if err := json.Unmarshal(b, &lf); err != nil {
		return err
	}
	*f = fromLib(lf)
	return nil
}

// Matches reports whether ev satisfies every constraint of f. Limit is
// ignored. A tag constraint is checked against each tag's primary value.
func (f Filter) Matches(ev Event) bool {
	lev := ev.lib()
	return f.lib().Matches(&lev)
}
