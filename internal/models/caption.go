package models

import (
	"strconv"
)

// CaptionEvent is one unit of transcribed or typed speech.
type CaptionEvent struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Lang       string  `json:"lang"`
	SessionID  string  `json:"session_id"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Timestamp  int64   `json:"timestamp"` // unix milliseconds
	StreamID   string  `json:"stream_id,omitempty"`
}

// CaptionKey is the document key of a caption in the index.
func CaptionKey(id string) string { return "caption:" + id }

// StreamFields returns the caption as Event Log fields.
func (c CaptionEvent) StreamFields() map[string]interface{} {
	return map[string]interface{}{
		"caption_id": c.ID,
		"text":       c.Text,
		"lang":       c.Lang,
		"session_id": c.SessionID,
		"confidence": formatFloat(c.Confidence),
		"source":     c.Source,
		"timestamp":  strconv.FormatInt(c.Timestamp, 10),
	}
}

// HashFields returns the caption as an index document.
func (c CaptionEvent) HashFields() map[string]interface{} {
	fields := c.StreamFields()
	delete(fields, "caption_id")
	fields["id"] = c.ID
	fields["stream_id"] = c.StreamID
	fields["searchable"] = "true"
	return fields
}

// CaptionFromStream decodes Event Log fields. The offset becomes StreamID.
func CaptionFromStream(offset string, fields map[string]string) CaptionEvent {
	return CaptionEvent{
		ID:         fields["caption_id"],
		Text:       fields["text"],
		Lang:       fields["lang"],
		SessionID:  fields["session_id"],
		Confidence: parseFloat(fields["confidence"]),
		Source:     fields["source"],
		Timestamp:  parseInt(fields["timestamp"]),
		StreamID:   offset,
	}
}

// CaptionFromHash decodes an index document.
func CaptionFromHash(fields map[string]string) CaptionEvent {
	return CaptionEvent{
		ID:         fields["id"],
		Text:       fields["text"],
		Lang:       fields["lang"],
		SessionID:  fields["session_id"],
		Confidence: parseFloat(fields["confidence"]),
		Source:     fields["source"],
		Timestamp:  parseInt(fields["timestamp"]),
		StreamID:   fields["stream_id"],
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(raw string) float64 {
	v, _ := strconv.ParseFloat(raw, 64)
	return v
}

func parseInt(raw string) int64 {
	v, _ := strconv.ParseInt(raw, 10, 64)
	return v
}
