package botmanager

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clinicbot/internal/domain"
)

const ratingPrefix = "rate"

// Telegram rejects callback data longer than this.
const maxCallbackData = 64

// classify turns a raw update into an Inbound event. Updates that carry
// neither a chat message nor a callback are dropped.
func classify(token string, u tgbotapi.Update) (domain.Inbound, bool) {
	if cq := u.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil {
			return domain.Inbound{}, false
		}
		in := domain.Inbound{
			Token:  token,
			ChatID: cq.Message.Chat.ID,
			Event: domain.CallbackEvent{
				ID:        cq.ID,
				Data:      cq.Data,
				MessageID: cq.Message.MessageID,
			},
		}
		if cq.From != nil {
			in.FromID = cq.From.ID
		}
		return in, true
	}

	m := u.Message
	if m == nil || m.Chat == nil {
		return domain.Inbound{}, false
	}
	in := domain.Inbound{Token: token, ChatID: m.Chat.ID}
	if m.From != nil {
		in.FromID = m.From.ID
	}

	switch {
	case m.Contact != nil:
		in.Event = domain.ContactEvent{Phone: m.Contact.PhoneNumber, FirstName: m.Contact.FirstName}
	case m.IsCommand() && m.Command() == "start":
		in.Event = domain.LinkEvent{Payload: strings.TrimSpace(m.CommandArguments())}
	case m.IsCommand():
		in.Event = domain.CommandEvent{Name: m.Command(), Args: strings.TrimSpace(m.CommandArguments())}
	default:
		in.Event = domain.OtherEvent{}
	}
	return in, true
}

func eventKind(e domain.Event) string {
	switch e.(type) {
	case domain.LinkEvent:
		return "link"
	case domain.ContactEvent:
		return "contact"
	case domain.CallbackEvent:
		return "callback"
	case domain.CommandEvent:
		return "command"
	default:
		return "other"
	}
}

// RatingData encodes a rating button press for refID.
func RatingData(value int, refID string) string {
	return fmt.Sprintf("%s:%d:%s", ratingPrefix, value, refID)
}

// ParseRatingData decodes rate:<n>:<refID>. ok is false for callback data
// that is not a rating at all; err is set for malformed rating data.
func ParseRatingData(data string) (value int, refID string, ok bool, err error) {
	parts := strings.SplitN(data, ":", 3)
	if parts[0] != ratingPrefix {
		return 0, "", false, nil
	}
	if len(parts) != 3 || parts[2] == "" {
		return 0, "", true, fmt.Errorf("malformed rating data %q", data)
	}
	value, err = strconv.Atoi(parts[1])
	if err != nil || value < 1 || value > 5 {
		return 0, "", true, fmt.Errorf("rating out of range in %q", data)
	}
	return value, parts[2], true, nil
}
