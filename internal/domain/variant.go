package domain

import (
	"fmt"
	"strings"
)

// VariantLabel names one upscale button on a Midjourney image grid
type VariantLabel string

const (
	VariantU1 VariantLabel = "U1"
	VariantU2 VariantLabel = "U2"
	VariantU3 VariantLabel = "U3"
	VariantU4 VariantLabel = "U4"
)

// AllVariants lists the upscale labels in button order
var AllVariants = []VariantLabel{VariantU1, VariantU2, VariantU3, VariantU4}

// VariantForImage returns the label for the 1-based image number shown in
// upscale replies ("Image #3" -> U3).
func VariantForImage(n int) (VariantLabel, bool) {
	if n < 1 || n > len(AllVariants) {
		return "", false
	}
	return AllVariants[n-1], true
}

// Mode selects which upscale variants a run must obtain
type Mode string

const (
	ModeU1  Mode = "U1"
	ModeU2  Mode = "U2"
	ModeU3  Mode = "U3"
	ModeU4  Mode = "U4"
	ModeAll Mode = "All"
)

// ParseMode parses a mode name, case-insensitively
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "u1":
		return ModeU1, nil
	case "u2":
		return ModeU2, nil
	case "u3":
		return ModeU3, nil
	case "u4":
		return ModeU4, nil
	case "all":
		return ModeAll, nil
	}
	return "", fmt.Errorf("invalid mode: %q (expected U1, U2, U3, U4 or All)", s)
}

// Labels returns the set of variants the mode has to fulfil
func (m Mode) Labels() []VariantLabel {
	switch m {
	case ModeAll:
		labels := make([]VariantLabel, len(AllVariants))
		copy(labels, AllVariants)
		return labels
	case ModeU1, ModeU2, ModeU3, ModeU4:
		return []VariantLabel{VariantLabel(m)}
	}
	return nil
}

// String returns the mode name
func (m Mode) String() string {
	return string(m)
}
