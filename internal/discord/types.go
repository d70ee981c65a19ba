package discord

import (
	"encoding/json"
	"fmt"
)

// Settings identify the channel, the bot and the acting account for one job.
// Field names follow the keys of the user's settings.json.
type Settings struct {
	UserToken      string `json:"USER TOKEN"`
	ChannelID      string `json:"CHANNEL ID"`
	GuildID        string `json:"GUILD ID"`
	BotID          string `json:"MIDJOURNEY APP ID"`
	CommandID      string `json:"MIDJOURNEY COMMAND ID"`
	CommandVersion string `json:"COMMAND VERSION"`
}

// Validate checks that every setting needed for the workflow is present
func (s Settings) Validate() error {
	missing := make([]string, 0)
	for name, v := range map[string]string{
		"USER TOKEN":            s.UserToken,
		"CHANNEL ID":            s.ChannelID,
		"GUILD ID":              s.GuildID,
		"MIDJOURNEY APP ID":     s.BotID,
		"MIDJOURNEY COMMAND ID": s.CommandID,
		"COMMAND VERSION":       s.CommandVersion,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingSettingsError{Keys: missing}
	}
	return nil
}

// ParseSettings decodes a settings.json document and validates it
func ParseSettings(data []byte) (Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// MissingSettingsError lists settings.json keys that were empty
type MissingSettingsError struct {
	Keys []string
}

func (e *MissingSettingsError) Error() string {
	return "missing discord settings: " + joinSorted(e.Keys)
}

// User is the author of a message
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Component is a button inside an action row
type Component struct {
	Type     int    `json:"type"`
	Label    string `json:"label,omitempty"`
	CustomID string `json:"custom_id,omitempty"`
}

// ActionRow groups the interactive components of a message
type ActionRow struct {
	Type       int         `json:"type"`
	Components []Component `json:"components"`
}

// Attachment is a file attached to a message
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url"`
}

// MessageReference points at the message a reply belongs to
type MessageReference struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Message is the read-only view of a channel message
type Message struct {
	ID               string            `json:"id"`
	Author           User              `json:"author"`
	Content          string            `json:"content"`
	Components       []ActionRow       `json:"components,omitempty"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	MessageReference *MessageReference `json:"message_reference,omitempty"`
}

// HasComponents reports whether the message carries interactive components
func (m Message) HasComponents() bool {
	for _, row := range m.Components {
		if len(row.Components) > 0 {
			return true
		}
	}
	return false
}

// Buttons returns all components of all action rows in order
func (m Message) Buttons() []Component {
	var out []Component
	for _, row := range m.Components {
		out = append(out, row.Components...)
	}
	return out
}

// ReferencedID returns the id of the replied-to message, or ""
func (m Message) ReferencedID() string {
	if m.MessageReference == nil {
		return ""
	}
	return m.MessageReference.MessageID
}

// FirstAttachmentURL returns the URL of the first attachment, or ""
func (m Message) FirstAttachmentURL() string {
	if len(m.Attachments) == 0 {
		return ""
	}
	return m.Attachments[0].URL
}
