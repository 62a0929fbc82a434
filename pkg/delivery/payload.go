package delivery

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// isoMillis matches JavaScript's Date.toISOString, which downstream
// workflows already parse.
const isoMillis = "2006-01-02T15:04:05.000Z"

// ReplyInfo references the message a forwarded message quoted.
type ReplyInfo struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// Payload is a snapshot of one received group message. It is passed by
// value and never mutated after construction; Shape returns a copy.
type Payload struct {
	Timestamp time.Time
	Reply     *ReplyInfo
	GroupID   string
	SenderID  string
	MessageID string
	Text      string
}

type wirePayload struct {
	ReplyInfo *ReplyInfo `json:"replyInfo"`
	GroupID   string     `json:"groupId"`
	SenderID  string     `json:"senderId"`
	Text      string     `json:"text"`
	MessageID string     `json:"messageId"`
	Timestamp string     `json:"timestamp"`
	HasReply  bool       `json:"hasReply"`
}

// MarshalJSON renders the webhook body.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePayload{
		GroupID:   p.GroupID,
		SenderID:  p.SenderID,
		Text:      p.Text,
		MessageID: p.MessageID,
		HasReply:  p.Reply != nil,
		ReplyInfo: p.Reply,
		Timestamp: p.Timestamp.UTC().Format(isoMillis),
	})
}

// UnmarshalJSON parses a webhook body. Receivers and tests use it.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var w wirePayload
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return err
	}
	*p = Payload{
		GroupID:   w.GroupID,
		SenderID:  w.SenderID,
		Text:      w.Text,
		MessageID: w.MessageID,
		Reply:     w.ReplyInfo,
		Timestamp: ts,
	}
	return nil
}

// Limits bounds the text fields of a payload.
type Limits struct {
	Marker     string
	TextLimit  int
	ReplyLimit int
}

// Shape returns p with Text and the reply text cut to their limits.
// A non-positive limit leaves the field alone.
func (l Limits) Shape(p Payload) Payload {
	p.Text = Truncate(p.Text, l.TextLimit, l.Marker)
	if p.Reply != nil {
		r := *p.Reply
		r.Text = Truncate(r.Text, l.ReplyLimit, l.Marker)
		p.Reply = &r
	}
	return p
}

// Truncate cuts s to limit runes and appends marker when it cut anything.
func Truncate(s string, limit int, marker string) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + marker
		}
		n++
	}
	return s
}
