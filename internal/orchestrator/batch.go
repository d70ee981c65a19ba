package orchestrator

import (
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/correlate"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

var imageNumberRegex = regexp.MustCompile(`image #(\d+)`)

type batchResult struct {
	submitted int
	completed int
	images    int
	failed    []domain.FailureLedgerEntry
}

// processBatch submits the prompts of one batch and collects their images.
// firstIndex is the 1-based run position of batch[0].
func (o *Orchestrator) processBatch(ctx context.Context, batch []string, firstIndex int) (batchResult, error) {
	var res batchResult

	o.logf(ctx, "Starting to send prompts:")
	pool, unsent, err := o.submit(ctx, batch, firstIndex)
	res.submitted = len(pool)
	if err != nil {
		return res, err
	}

	if len(pool) > 0 {
		if err := o.clickVariants(ctx, pool); err != nil {
			return res, err
		}
		if err := o.sleep(ctx, o.cfg.Timing.Settle); err != nil {
			return res, err
		}
		o.logf(ctx, "Upscaled images triggered, waiting for images to save...")
		images, err := o.downloadVariants(ctx, pool)
		res.images = images
		if err != nil {
			return res, err
		}
	}

	o.logf(ctx, "Getting the saved images ready to download and logging any failed prompts...")
	res.failed = append(res.failed, unsent...)
	for _, req := range pool {
		if req.AllSaved() {
			res.completed++
			continue
		}
		res.failed = append(res.failed, req.FailureEntry())
	}
	return res, nil
}

// submit sends every prompt of the batch. Refused prompts never enter the
// pool; they are returned as ledger entries when LedgerUnsent is set.
func (o *Orchestrator) submit(ctx context.Context, batch []string, firstIndex int) ([]*domain.PromptRequest, []domain.FailureLedgerEntry, error) {
	var (
		pool   []*domain.PromptRequest
		unsent []domain.FailureLedgerEntry
	)
	for i, prompt := range batch {
		if err := o.checkpoint(ctx); err != nil {
			return pool, unsent, err
		}
		if i > 0 {
			o.logf(ctx, "Waiting before sending the next prompt...")
			if err := o.sleep(ctx, o.cfg.Timing.SubmitGap); err != nil {
				return pool, unsent, err
			}
		}

		index := firstIndex + i
		sessionID, err := o.channel.SubmitPrompt(ctx, prompt)
		if err != nil {
			o.logf(ctx, "Failed to send prompt %d: %v", index, err)
			if o.cfg.LedgerUnsent {
				unsent = append(unsent, domain.UnsentEntry(prompt, index, o.labels))
			}
			continue
		}
		o.logf(ctx, "Prompt sent: %s", truncate(prompt, 60))
		pool = append(pool, domain.NewPromptRequest(prompt, index, sessionID, o.labels))
	}

	if err := o.sleep(ctx, o.cfg.Timing.PostSubmit); err != nil {
		return pool, unsent, err
	}
	return pool, unsent, nil
}

// clickKey identifies one button of one grid message
type clickKey struct {
	messageID string
	label     domain.VariantLabel
}

// clickVariants presses the requested upscale buttons on the image grids
// the bot posted for the pool. Grids are attributed to prompts by content
// similarity. Each button is pressed at most once per batch.
func (o *Orchestrator) clickVariants(ctx context.Context, pool []*domain.PromptRequest) error {
	o.logf(ctx, "Triggering %s upscaled images is in progress...", o.cfg.Mode)
	pressed := make(map[clickKey]bool)

	for round := 0; round < len(pool); round++ {
		if err := o.checkpoint(ctx); err != nil {
			return err
		}

		for _, msg := range o.channel.ListRecentMessages(ctx, o.cfg.MessageLimit) {
			if msg.Author.ID != o.cfg.BotID || !msg.HasComponents() {
				continue
			}
			for _, button := range msg.Buttons() {
				label := domain.VariantLabel(button.Label)
				key := clickKey{messageID: msg.ID, label: label}
				if !o.tracks(label) || button.CustomID == "" || pressed[key] {
					continue
				}
				req := correlate.Match(msg.Content, pool, correlate.UnclickedFor(label))
				if req == nil {
					continue
				}
				o.channel.ClickComponent(ctx, button.CustomID, msg.ID)
				req.MarkClicked(label, msg.ID)
				pressed[key] = true
				o.logger.Debug("clicked variant",
					zap.Int("index", req.Index),
					zap.String("label", string(label)),
					zap.String("message", msg.ID))
				if err := o.sleep(ctx, o.cfg.Timing.ClickPause); err != nil {
					return err
				}
			}
		}

		if allClicked(pool) {
			return nil
		}
		if err := o.sleep(ctx, o.cfg.Timing.ClickPoll); err != nil {
			return err
		}
	}
	return nil
}

// downloadVariants saves the upscaled images posted in reply to clicked
// grids and returns the number of files written. A reply whose image was
// saved is not attributed again.
func (o *Orchestrator) downloadVariants(ctx context.Context, pool []*domain.PromptRequest) (int, error) {
	images := 0
	consumed := make(map[string]bool)
	for round := 0; round < len(pool); round++ {
		if err := o.checkpoint(ctx); err != nil {
			return images, err
		}

		for _, msg := range o.channel.ListRecentMessages(ctx, o.cfg.MessageLimit) {
			if msg.Author.ID != o.cfg.BotID || consumed[msg.ID] {
				continue
			}
			url := msg.FirstAttachmentURL()
			if url == "" {
				continue
			}
			req, label := o.attribute(msg, pool)
			if req == nil {
				continue
			}

			req.NoteAttachment(label, url)
			path, err := o.saver.Save(ctx, url, req.Index, label)
			if err != nil {
				o.logger.Warn("saving image failed",
					zap.Int("index", req.Index),
					zap.String("label", string(label)),
					zap.Error(err))
				continue
			}
			req.MarkSaved(label, url)
			consumed[msg.ID] = true
			images++
			o.logf(ctx, "Saved %s for prompt %d", filepath.Base(path), req.Index)
		}

		saved := 0
		for _, req := range pool {
			if req.AllSaved() {
				saved++
			}
		}
		o.logf(ctx, "Waiting... %d/%d images saved so far. Remaining: %d", saved, len(pool), len(pool)-saved)
		if saved == len(pool) {
			return images, nil
		}
		if err := o.sleep(ctx, o.cfg.Timing.DownloadPoll); err != nil {
			return images, err
		}
	}
	return images, nil
}

// attribute finds the request and variant an upscale reply belongs to.
// With a single tracked variant the reply references the clicked grid
// directly. With several, the reply names the image number in its content
// and is matched by similarity among requests still waiting for that variant.
func (o *Orchestrator) attribute(msg discord.Message, pool []*domain.PromptRequest) (*domain.PromptRequest, domain.VariantLabel) {
	if len(o.labels) == 1 {
		label := o.labels[0]
		ref := msg.ReferencedID()
		if ref == "" {
			return nil, ""
		}
		for _, req := range pool {
			if !req.Unsaved(label) {
				continue
			}
			if v, _ := req.Variant(label); v.MessageID == ref {
				return req, label
			}
		}
		return nil, ""
	}

	label, ok := imageLabel(msg.Content)
	if !ok || !o.tracks(label) {
		return nil, ""
	}
	req := correlate.Match(msg.Content, pool, correlate.UnsavedFor(label))
	if req == nil {
		return nil, ""
	}
	return req, label
}

func (o *Orchestrator) tracks(label domain.VariantLabel) bool {
	for _, l := range o.labels {
		if l == label {
			return true
		}
	}
	return false
}

// imageLabel parses "Image #N" from an upscale reply
func imageLabel(content string) (domain.VariantLabel, bool) {
	m := imageNumberRegex.FindStringSubmatch(strings.ToLower(content))
	if m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", false
	}
	return domain.VariantForImage(n)
}

func allClicked(pool []*domain.PromptRequest) bool {
	for _, req := range pool {
		if !req.AllClicked() {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
