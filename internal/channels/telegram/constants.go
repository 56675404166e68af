package telegram

const (
	// telegramMaxMessageLen is the safe limit for Telegram messages.
	// Telegram's hard limit is 4096; 4000 leaves room for chunk framing.
	telegramMaxMessageLen = 4000

	// telegramCaptionMaxLen is the max length for media captions.
	telegramCaptionMaxLen = 1024
)
