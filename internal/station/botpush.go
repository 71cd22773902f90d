package station

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/push"
)

// PushDeliverer is the delivery surface the bot push service needs.
// *Dispatcher satisfies it.
type PushDeliverer interface {
	Deliver(msg *dim.ReliableMessage, receiver dim.ID) []dim.Content
}

// BotPushService forwards queued notifications to the push relay bot
// (the "apns" ANS record) as signed push command messages. The bot owns
// the device tokens; the station only names the receiver and the text.
type BotPushService struct {
	local     dim.ID
	bot       dim.ID
	crypto    Crypto
	deliverer PushDeliverer
	logger    *slog.Logger
}

// NewBotPushService creates a push service targeting the given relay bot.
func NewBotPushService(local, bot dim.ID, crypto Crypto, deliverer PushDeliverer, logger *slog.Logger) *BotPushService {
	return &BotPushService{
		local:     local,
		bot:       bot,
		crypto:    crypto,
		deliverer: deliverer,
		logger:    logger.With(slog.String("component", "station.botpush")),
	}
}

// Push packages one notification as a push command to the relay bot.
func (s *BotPushService) Push(_ context.Context, n *push.Notification) error {
	content := dim.NewPushCommand([]dim.PushItem{{
		Receiver: n.Receiver,
		Title:    n.Title,
		Content:  n.Content,
		Image:    n.Image,
		Badge:    n.Badge,
		Sound:    n.Sound,
	}})
	data, err := content.Encode()
	if err != nil {
		return fmt.Errorf("encode push command: %w", err)
	}

	msg := dim.NewReliableMessage(dim.Envelope{
		Sender:   s.local,
		Receiver: s.bot,
		Time:     time.Now(),
		Type:     dim.ContentCommand,
	}, data, s.crypto.Sign(data))

	s.deliverer.Deliver(msg, s.bot)
	s.logger.Debug("notification forwarded to push bot",
		slog.String("notification", n.ID),
		slog.String("receiver", n.Receiver.String()),
	)
	return nil
}
