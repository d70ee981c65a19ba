package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
)

// Clear removes leftovers of previous runs from the channel: bot messages
// that still carry buttons, replies of any kind and the account's own
// messages. It sweeps up to ClearSweeps times and stops early once a sweep
// finds nothing to delete. Failures are logged and never abort the run.
func (o *Orchestrator) Clear(ctx context.Context) {
	o.logf(ctx, "Clearing the memory from the previous run...")

	deleted := 0
	for sweep := 0; sweep < o.cfg.ClearSweeps; sweep++ {
		if sweep > 0 {
			if err := o.sleeper.Sleep(ctx, o.cfg.Timing.ClearSweepGap); err != nil {
				return
			}
		}

		var targets []discord.Message
		for _, msg := range o.channel.ListRecentMessages(ctx, o.cfg.MessageLimit) {
			if o.deletable(msg) {
				targets = append(targets, msg)
			}
		}
		if len(targets) == 0 {
			break
		}

		for _, msg := range targets {
			if o.channel.DeleteMessage(ctx, msg.ID) {
				deleted++
			} else {
				o.logger.Debug("message not deleted", zap.String("message", msg.ID))
			}
			if err := o.sleeper.Sleep(ctx, o.cfg.Timing.ClearDelete); err != nil {
				return
			}
		}
	}

	o.logger.Debug("channel cleared", zap.Int("deleted", deleted))
	o.logf(ctx, "Memory cleared and environment ready to process prompts.")
}

func (o *Orchestrator) deletable(msg discord.Message) bool {
	switch {
	case msg.Author.ID == o.cfg.BotID && msg.HasComponents():
		return true
	case msg.MessageReference != nil:
		return true
	case o.selfID != "" && msg.Author.ID == o.selfID:
		return true
	}
	return false
}
