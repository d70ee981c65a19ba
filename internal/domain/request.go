package domain

// VariantStatus tracks one upscale variant of a submitted prompt.
// Saved implies Clicked.
type VariantStatus struct {
	Clicked   bool
	MessageID string // grid message whose button was clicked
	CDNURL    string // last attachment URL observed for this variant
	Saved     bool
}

// PromptRequest is one prompt submitted to the bot during a batch
type PromptRequest struct {
	Prompt        string
	Index         int    // 1-based position in the run, used for file names
	CorrelationID string // session id sent with the submission

	labels   []VariantLabel
	variants map[VariantLabel]*VariantStatus
}

// NewPromptRequest creates a request tracking the given variants
func NewPromptRequest(prompt string, index int, correlationID string, labels []VariantLabel) *PromptRequest {
	r := &PromptRequest{
		Prompt:        prompt,
		Index:         index,
		CorrelationID: correlationID,
		variants:      make(map[VariantLabel]*VariantStatus, len(labels)),
	}
	for _, l := range labels {
		if _, ok := r.variants[l]; ok {
			continue
		}
		r.labels = append(r.labels, l)
		r.variants[l] = &VariantStatus{}
	}
	return r
}

// Labels returns the tracked variants in order
func (r *PromptRequest) Labels() []VariantLabel {
	return r.labels
}

// Tracks reports whether the request has to obtain the given variant
func (r *PromptRequest) Tracks(label VariantLabel) bool {
	_, ok := r.variants[label]
	return ok
}

// Variant returns a copy of the status for a tracked label
func (r *PromptRequest) Variant(label VariantLabel) (VariantStatus, bool) {
	v, ok := r.variants[label]
	if !ok {
		return VariantStatus{}, false
	}
	return *v, true
}

// MarkClicked records the click of a variant button. The first recorded
// message id wins; repeated calls return false and change nothing.
func (r *PromptRequest) MarkClicked(label VariantLabel, messageID string) bool {
	v, ok := r.variants[label]
	if !ok || v.Clicked {
		return false
	}
	v.Clicked = true
	v.MessageID = messageID
	return true
}

// NoteAttachment records an attachment URL seen for a variant before it
// has been downloaded.
func (r *PromptRequest) NoteAttachment(label VariantLabel, url string) {
	if v, ok := r.variants[label]; ok && !v.Saved {
		v.CDNURL = url
	}
}

// MarkSaved records a successful download. It is refused for variants that
// were never clicked or are already saved.
func (r *PromptRequest) MarkSaved(label VariantLabel, url string) bool {
	v, ok := r.variants[label]
	if !ok || !v.Clicked || v.Saved {
		return false
	}
	v.CDNURL = url
	v.Saved = true
	return true
}

// Unclicked reports whether the variant still needs its button clicked
func (r *PromptRequest) Unclicked(label VariantLabel) bool {
	v, ok := r.variants[label]
	return ok && !v.Clicked
}

// Unsaved reports whether the variant was clicked but not yet downloaded
func (r *PromptRequest) Unsaved(label VariantLabel) bool {
	v, ok := r.variants[label]
	return ok && v.Clicked && !v.Saved
}

// AllClicked reports whether every tracked variant has been clicked
func (r *PromptRequest) AllClicked() bool {
	for _, v := range r.variants {
		if !v.Clicked {
			return false
		}
	}
	return true
}

// AllSaved reports whether every tracked variant has been saved
func (r *PromptRequest) AllSaved() bool {
	for _, v := range r.variants {
		if !v.Saved {
			return false
		}
	}
	return true
}

// Done reports whether nothing is left to do for the request
func (r *PromptRequest) Done() bool {
	return r.AllSaved()
}

// SavedCount returns the number of saved variants
func (r *PromptRequest) SavedCount() int {
	n := 0
	for _, v := range r.variants {
		if v.Saved {
			n++
		}
	}
	return n
}

// FailureEntry summarises the unsaved variants of the request. Saved
// variants are reported as nil, unsaved ones with the last seen URL if any.
func (r *PromptRequest) FailureEntry() FailureLedgerEntry {
	entry := FailureLedgerEntry{
		Index:  r.Index,
		Prompt: r.Prompt,
		URLs:   make(map[VariantLabel]*string, len(r.labels)),
		Labels: r.labels,
	}
	for _, l := range r.labels {
		v := r.variants[l]
		if !v.Saved && v.CDNURL != "" {
			url := v.CDNURL
			entry.URLs[l] = &url
		} else {
			entry.URLs[l] = nil
		}
	}
	return entry
}
