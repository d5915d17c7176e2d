package domain

// Intent is the classified purpose of a single user message.
type Intent string

const (
	IntentAskInfo      Intent = "ask_info"
	IntentProviderInfo Intent = "provider_info"
	IntentBookTicket   Intent = "book_ticket"
	IntentViewTicket   Intent = "view_ticket"
	IntentCancelTicket Intent = "cancel_ticket"
)

// Intents lists the closed label set in prompt order.
func Intents() []Intent {
	return []Intent{IntentAskInfo, IntentProviderInfo, IntentBookTicket, IntentViewTicket, IntentCancelTicket}
}

func (i Intent) Valid() bool {
	for _, known := range Intents() {
		if i == known {
			return true
		}
	}
	return false
}
