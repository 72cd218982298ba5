package model

import "encoding/json"

// ReactorPlaceholder is a reserved token that legacy clients wrote in place
// of a real user ID. It must never survive a decode.
const ReactorPlaceholder = "unknown"

// DecodeReactions parses the persisted reaction payload into the raw
// emoji -> reactor-ID form. The decode is defensive: entries whose value is
// not an array are dropped, as are reactor entries that are not non-empty
// strings or that equal the placeholder token. Empty buckets are removed.
func DecodeReactions(encoded string) map[string][]string {
	if encoded == "" {
		return nil
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(encoded), &parsed); err != nil {
		return nil
	}
	raw := make(map[string][]string, len(parsed))
	for emoji, value := range parsed {
		var ids []any
		if err := json.Unmarshal(value, &ids); err != nil {
			continue // not an array
		}
		bucket := make([]string, 0, len(ids))
		for _, id := range ids {
			s, ok := id.(string)
			if !ok || s == "" || s == ReactorPlaceholder {
				continue
			}
			bucket = append(bucket, s)
		}
		if len(bucket) > 0 {
			raw[emoji] = bucket
		}
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// EncodeReactions serializes the raw form, keeping only non-empty buckets.
// Returns "" when nothing remains, which callers persist as an absent field.
func EncodeReactions(raw map[string][]string) string {
	kept := make(map[string][]string, len(raw))
	for emoji, ids := range raw {
		if len(ids) > 0 {
			kept[emoji] = ids
		}
	}
	if len(kept) == 0 {
		return ""
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return ""
	}
	return string(b)
}

// ReactionCounts derives the display form (emoji -> count) from the raw form.
func ReactionCounts(raw map[string][]string) map[string]int {
	if len(raw) == 0 {
		return nil
	}
	counts := make(map[string]int, len(raw))
	for emoji, ids := range raw {
		counts[emoji] = len(ids)
	}
	return counts
}

// ApplyReactions recomputes both derived reaction forms from the persisted
// payload and stores them on the message.
func (m *Message) ApplyReactions() {
	m.ReactionsRaw = DecodeReactions(m.ReactionsEnc)
	m.Reactions = ReactionCounts(m.ReactionsRaw)
}
