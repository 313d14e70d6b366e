// Package transport holds the channel-neutral message types shared by the
// WhatsApp client, the Telegram mirror and the notifier.
package transport

import "context"

const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
)

// Target addresses one recipient. WhatsApp uses Phone; Telegram uses ChatID
// and, for forum topics, ThreadID.
type Target struct {
	Phone    string
	ChatID   int64
	ThreadID int
}

// Link turns a WhatsApp message into a link preview card.
type Link struct {
	URL         string
	Title       string
	Description string
	Image       string
}

type SendOptions struct {
	Link           *Link
	ParseMode      string // telegram only
	DisablePreview bool
}

// Notification is one queued outbound message.
type Notification struct {
	Channel  string
	Priority int // 0 low .. 10 high
	Target   Target
	Text     string
	Options  *SendOptions

	// DedupKey overrides the content hash used for duplicate suppression.
	DedupKey string
}

// Sender delivers a message on a single channel.
type Sender interface {
	Send(ctx context.Context, to Target, text string, opt *SendOptions) error
}
