package station

import (
	"fmt"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/push"
	"github.com/dim-network/godim/internal/store"
)

// Pusher synthesizes out-of-band notifications for messages stored
// offline: title and body come from the declared content type and the
// endpoints' display names. The ciphertext itself never leaves the store.
type Pusher struct {
	accounts *store.AccountStore
	center   *push.Center
}

// NewPusher creates a pusher over the account store and the push center.
func NewPusher(accounts *store.AccountStore, center *push.Center) *Pusher {
	return &Pusher{accounts: accounts, center: center}
}

// Notify enqueues one notification for a stored message. Forwarded group
// messages notify with their origin envelope so the user sees the real
// sender and group.
func (p *Pusher) Notify(msg *dim.ReliableMessage, receiver dim.ID) {
	env := msg.OriginEnvelope()
	sender := env.Sender
	if sender.IsNil() {
		sender = msg.Sender()
	}

	from := p.accounts.DisplayName(sender)
	title, body := notificationText(env.Type, from)
	if !env.Group.IsNil() {
		group := p.accounts.DisplayName(env.Group)
		body = fmt.Sprintf("[%s] %s", group, body)
	}

	p.center.AddNotification(&push.Notification{
		Sender:   sender.Bare(),
		Receiver: receiver.Bare(),
		Title:    title,
		Content:  body,
		Badge:    1,
	})
}

// notificationText renders the generic notification for a content type.
// The station cannot read the payload, so the text only names the kind.
func notificationText(t dim.ContentType, from string) (title, body string) {
	switch t {
	case dim.ContentFile:
		return "File", fmt.Sprintf("%s sent a file", from)
	case dim.ContentImage:
		return "Image", fmt.Sprintf("%s sent an image", from)
	case dim.ContentAudio:
		return "Voice", fmt.Sprintf("%s sent a voice message", from)
	case dim.ContentVideo:
		return "Video", fmt.Sprintf("%s sent a video", from)
	case dim.ContentMoney, dim.ContentTransfer:
		return "Money", fmt.Sprintf("%s sent money", from)
	default:
		return "Message", fmt.Sprintf("%s sent you a message", from)
	}
}
