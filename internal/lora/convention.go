package lora

import "strings"

// SuffixPair is one spelling of the down/up projection suffixes. A down
// tensor only pairs with the up tensor of the same spelling.
type SuffixPair struct {
	Down string
	Up   string
}

// Convention maps adapter tensor names to base tensor names.
type Convention struct {
	Pairs []SuffixPair
	// Alpha suffixes mark the optional scalar scale tensor of a stem.
	Alpha []string
	// StripPrefixes are removed from the stem before the target is derived.
	StripPrefixes []string
	// TargetSuffix is appended to the stem unless it already ends with it.
	TargetSuffix string
}

// DefaultConvention recognises the kohya (lora_down/lora_up) and PEFT
// (lora_A/lora_B) spellings, with and without a trailing ".weight".
func DefaultConvention() Convention {
	return Convention{
		Pairs: []SuffixPair{
			{Down: ".lora_down.weight", Up: ".lora_up.weight"},
			{Down: ".lora_A.weight", Up: ".lora_B.weight"},
			{Down: ".lora_down", Up: ".lora_up"},
			{Down: ".lora_A", Up: ".lora_B"},
		},
		Alpha:         []string{".alpha"},
		StripPrefixes: []string{"base_model.model."},
		TargetSuffix:  ".weight",
	}
}

type role int

const (
	roleNone role = iota
	roleDown
	roleUp
	roleAlpha
)

// classify returns the role of name, its stem and the index of the matched
// suffix pair. The longest matching suffix wins.
func (c Convention) classify(name string) (r role, stem string, family int) {
	best := 0
	consider := func(suffix string, rr role, fam int) {
		if len(suffix) > best && len(name) > len(suffix) && strings.HasSuffix(name, suffix) {
			best = len(suffix)
			r, stem, family = rr, name[:len(name)-len(suffix)], fam
		}
	}
	for i, p := range c.Pairs {
		consider(p.Down, roleDown, i)
		consider(p.Up, roleUp, i)
	}
	for _, s := range c.Alpha {
		consider(s, roleAlpha, -1)
	}
	return r, stem, family
}

// Target returns the base tensor name an adapter stem applies to.
func (c Convention) Target(stem string) string {
	for _, p := range c.StripPrefixes {
		if rest, ok := strings.CutPrefix(stem, p); ok && rest != "" {
			stem = rest
			break
		}
	}
	if c.TargetSuffix == "" || strings.HasSuffix(stem, c.TargetSuffix) {
		return stem
	}
	return stem + c.TargetSuffix
}
