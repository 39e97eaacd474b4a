package domain

// Event is an inbound bot event. The set of implementations is closed:
// LinkEvent, ContactEvent, CallbackEvent, CommandEvent and OtherEvent.
type Event interface {
	isEvent()
}

// LinkEvent is a /start command. Payload is the deep-link key, empty when
// the user opened the bot directly.
type LinkEvent struct {
	Payload string
}

// ContactEvent is a shared phone contact.
type ContactEvent struct {
	Phone     string
	FirstName string
}

// CallbackEvent is an inline keyboard press.
type CallbackEvent struct {
	ID        string
	Data      string
	MessageID int
}

// CommandEvent is any bot command other than /start.
type CommandEvent struct {
	Name string
	Args string
}

// OtherEvent is anything the router does not act on.
type OtherEvent struct{}

func (LinkEvent) isEvent()     {}
func (ContactEvent) isEvent()  {}
func (CallbackEvent) isEvent() {}
func (CommandEvent) isEvent()  {}
func (OtherEvent) isEvent()    {}

// Inbound wraps an Event with the session and sender it arrived on.
type Inbound struct {
	Token  string
	FromID int64
	ChatID int64
	Event  Event
}
