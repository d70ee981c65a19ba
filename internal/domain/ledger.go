package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FailureLedgerEntry records a prompt that did not complete all of its
// variants within a run.
//
// Single-variant runs serialize as {"index","prompt","cdn_url"}; runs that
// track several variants use one "variant_uN" key per tracked label.
type FailureLedgerEntry struct {
	Index  int
	Prompt string
	URLs   map[VariantLabel]*string
	Labels []VariantLabel
}

// UnsentEntry is the ledger entry for a prompt that never reached the bot
func UnsentEntry(prompt string, index int, labels []VariantLabel) FailureLedgerEntry {
	entry := FailureLedgerEntry{
		Index:  index,
		Prompt: prompt,
		URLs:   make(map[VariantLabel]*string, len(labels)),
		Labels: labels,
	}
	for _, l := range labels {
		entry.URLs[l] = nil
	}
	return entry
}

// URL returns the recorded URL for a label, or "" when null
func (e FailureLedgerEntry) URL(label VariantLabel) string {
	if u := e.URLs[label]; u != nil {
		return *u
	}
	return ""
}

// MarshalJSON writes the entry with a stable key order
func (e FailureLedgerEntry) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"index":`)
	fmt.Fprintf(&buf, "%d", e.Index)
	buf.WriteString(`,"prompt":`)
	prompt, err := json.Marshal(e.Prompt)
	if err != nil {
		return nil, err
	}
	buf.Write(prompt)

	writeURL := func(key string, u *string) error {
		buf.WriteString(`,"` + key + `":`)
		if u == nil {
			buf.WriteString("null")
			return nil
		}
		b, err := json.Marshal(*u)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}

	if len(e.Labels) == 1 {
		if err := writeURL("cdn_url", e.URLs[e.Labels[0]]); err != nil {
			return nil, err
		}
	} else {
		for _, l := range e.Labels {
			if err := writeURL(variantKey(l), e.URLs[l]); err != nil {
				return nil, err
			}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts both the single-variant and the multi-variant shape.
// A single "cdn_url" is stored under the empty label.
func (e *FailureLedgerEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = FailureLedgerEntry{URLs: make(map[VariantLabel]*string)}
	if v, ok := raw["index"]; ok {
		if err := json.Unmarshal(v, &e.Index); err != nil {
			return fmt.Errorf("index: %w", err)
		}
	}
	if v, ok := raw["prompt"]; ok {
		if err := json.Unmarshal(v, &e.Prompt); err != nil {
			return fmt.Errorf("prompt: %w", err)
		}
	}
	if v, ok := raw["cdn_url"]; ok {
		var u *string
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("cdn_url: %w", err)
		}
		e.Labels = []VariantLabel{""}
		e.URLs[""] = u
		return nil
	}
	for _, l := range AllVariants {
		v, ok := raw[variantKey(l)]
		if !ok {
			continue
		}
		var u *string
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("%s: %w", variantKey(l), err)
		}
		e.Labels = append(e.Labels, l)
		e.URLs[l] = u
	}
	return nil
}

func variantKey(l VariantLabel) string {
	return "variant_" + strings.ToLower(string(l))
}
