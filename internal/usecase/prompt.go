package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"busticket-agent/internal/dialogue"
	"busticket-agent/internal/domain"
)

const (
	noHistory            = "(no previous messages)"
	providerSystemPrompt = "Answer based only on the provided context."
)

// formatHistory renders turns as alternating User/Assistant lines.
func formatHistory(turns []domain.Turn) string {
	if len(turns) == 0 {
		return noHistory
	}
	lines := make([]string, 0, len(turns)*2)
	for _, t := range turns {
		lines = append(lines,
			"User: "+normalizePromptInput(t.User),
			"Assistant: "+normalizePromptInput(t.Assistant),
		)
	}
	return strings.Join(lines, "\n")
}

func buildExtractionPrompt(fields []dialogue.FieldSpec, history []domain.Turn, message string, draft *domain.BookingDraft, today time.Time) string {
	known := make(map[string]any, len(fields))
	keys := make([]string, 0, len(fields))
	for _, spec := range fields {
		keys = append(keys, string(spec.Field))
		known[string(spec.Field)] = nil
		if draft == nil {
			continue
		}
		if spec.Field == domain.FieldSeats && draft.Seats > 0 {
			known[string(spec.Field)] = draft.Seats
		} else if v := draft.Value(spec.Field); v != "" {
			known[string(spec.Field)] = v
		}
	}
	existing, _ := json.Marshal(known)

	return strings.Join([]string{
		"You are a bus ticket booking assistant. Extract booking information from the conversation.",
		"",
		"CHAT HISTORY:",
		formatHistory(history),
		"",
		"CURRENT USER MESSAGE:",
		normalizePromptInput(message),
		"",
		"EXISTING DATA:",
		string(existing),
		"",
		"Fields:",
		"- name: passenger's full name",
		"- phone: phone number, with country code if provided",
		"- pickup_point: pickup location",
		"- dropping_point: dropping location",
		"- date: travel date as YYYY-MM-DD",
		"- seats: number of seats as an integer",
		"",
		"Rules:",
		"1. Only extract information that is clearly stated.",
		"2. Keep existing data unless the user provides a new value.",
		"3. Use null for any field that is not mentioned.",
		"4. Convert relative dates such as \"tomorrow\" or \"next Monday\" to YYYY-MM-DD.",
		fmt.Sprintf("5. Today's date is %s.", today.UTC().Format(domain.DateLayout)),
		"",
		"Return ONLY a JSON object with exactly these keys: " + strings.Join(keys, ", ") + ".",
	}, "\n")
}

func buildIntentPrompt(message string, history []domain.Turn) string {
	labels := make([]string, 0, len(domain.Intents()))
	for _, i := range domain.Intents() {
		labels = append(labels, "- "+string(i))
	}
	return strings.Join([]string{
		"Classify the user's latest message into EXACTLY one of these intents:",
		strings.Join(labels, "\n"),
		"",
		"Meanings:",
		"- ask_info: questions about routes, districts, dropping points, fares or which buses run",
		"- provider_info: questions about a specific bus company",
		"- book_ticket: wants to book, or is answering questions of a booking in progress",
		"- view_ticket: wants to see existing bookings",
		"- cancel_ticket: wants to cancel a booking",
		"",
		"Recent conversation:",
		formatHistory(history),
		"",
		"Latest message: " + normalizePromptInput(message),
		"",
		"Respond ONLY with the intent label.",
	}, "\n")
}

// parseIntent maps a raw label onto the closed intent set.
func parseIntent(raw string) (domain.Intent, bool) {
	label := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndex(label, ":"); i >= 0 {
		label = label[i+1:]
	}
	label = strings.Trim(label, " \t\r\n\"'`.*-")
	label = strings.NewReplacer(" ", "_", "-", "_").Replace(label)
	if alias, ok := intentAliases[label]; ok {
		return alias, true
	}
	intent := domain.Intent(label)
	return intent, intent.Valid()
}

var intentAliases = map[string]domain.Intent{
	"search_buses": domain.IntentAskInfo,
	"search_bus":   domain.IntentAskInfo,
}

func buildRouteInfoPrompt(message string, history []domain.Turn, catalog domain.RouteCatalog) string {
	districts, _ := json.Marshal(catalog.Districts)
	providers, _ := json.Marshal(catalog.BusProviders)
	return strings.Join([]string{
		"You are a bus route search assistant.",
		"",
		"CHAT HISTORY:",
		formatHistory(history),
		"",
		"User message:",
		normalizePromptInput(message),
		"",
		"Districts with dropping points:",
		string(districts),
		"",
		"Bus providers:",
		string(providers),
		"",
		"Task:",
		"- Use the chat history to understand which route the user means.",
		"- A provider serves a route only if it covers BOTH the from and the to district.",
		"- If no provider matches, say that no buses are available.",
		"- Respond with a SHORT natural-language answer, NOT JSON.",
	}, "\n")
}

func buildProviderPrompt(message string, chunks []domain.KnowledgeChunk) string {
	blocks := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if text := strings.TrimSpace(c.Content); text != "" {
			blocks = append(blocks, text)
		}
	}
	return strings.Join([]string{
		providerSystemPrompt,
		"",
		"Context:",
		strings.Join(blocks, "\n\n"),
		"",
		"User query:",
		normalizePromptInput(message),
		"",
		"Answer:",
	}, "\n")
}

func normalizePromptInput(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
