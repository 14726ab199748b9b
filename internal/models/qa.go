package models

import "strconv"

// QAEntry is an answered question kept in the knowledge base.
type QAEntry struct {
	ID           string `json:"id"`
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	Category     string `json:"category"`
	SessionID    string `json:"session_id,omitempty"`
	Source       string `json:"source,omitempty"`
	Votes        int64  `json:"votes"`
	HelpfulCount int64  `json:"helpful_count"`
	Views        int64  `json:"views"`
	Timestamp    int64  `json:"timestamp"`
}

// QAKey is the document key of a QA entry in the index.
func QAKey(id string) string { return "qa:" + id }

// Counter fields on a QA document. Only votes mutate them.
const (
	QAFieldVotes   = "votes"
	QAFieldHelpful = "helpful_count"
	QAFieldViews   = "views"
)

func (q QAEntry) HashFields() map[string]interface{} {
	return map[string]interface{}{
		"id":           q.ID,
		"question":     q.Question,
		"answer":       q.Answer,
		"category":     q.Category,
		"session_id":   q.SessionID,
		"source":       q.Source,
		QAFieldVotes:   strconv.FormatInt(q.Votes, 10),
		QAFieldHelpful: strconv.FormatInt(q.HelpfulCount, 10),
		QAFieldViews:   strconv.FormatInt(q.Views, 10),
		"timestamp":    strconv.FormatInt(q.Timestamp, 10),
	}
}

func QAFromHash(fields map[string]string) QAEntry {
	return QAEntry{
		ID:           fields["id"],
		Question:     fields["question"],
		Answer:       fields["answer"],
		Category:     fields["category"],
		SessionID:    fields["session_id"],
		Source:       fields["source"],
		Votes:        parseInt(fields[QAFieldVotes]),
		HelpfulCount: parseInt(fields[QAFieldHelpful]),
		Views:        parseInt(fields[QAFieldViews]),
		Timestamp:    parseInt(fields["timestamp"]),
	}
}
