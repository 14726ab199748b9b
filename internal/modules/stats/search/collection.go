package search

import (
	"github.com/redis/go-redis/v9"
)

// Collection describes one searchable document set: its key prefix, the
// RediSearch index over it and the fields queries may touch.
type Collection struct {
	Name         string
	Index        string
	Prefix       string
	TextFields   []string
	Tags         []string
	SortField    string
	DefaultLimit int
	schema       []*redis.FieldSchema
}

// Key returns the document key of id.
func (c Collection) Key(id string) string { return c.Prefix + id }

// HasTag reports whether name is a filterable tag field.
func (c Collection) HasTag(name string) bool {
	for _, t := range c.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// CaptionsCollection returns the captions collection indexed as name.
func CaptionsCollection(name string) Collection {
	return Collection{
		Name:         "captions",
		Index:        name,
		Prefix:       "caption:",
		TextFields:   []string{"text"},
		Tags:         []string{"lang", "session_id", "source"},
		SortField:    "timestamp",
		DefaultLimit: 10,
		schema: []*redis.FieldSchema{
			{FieldName: "text", FieldType: redis.SearchFieldTypeText},
			{FieldName: "lang", FieldType: redis.SearchFieldTypeTag},
			{FieldName: "session_id", FieldType: redis.SearchFieldTypeTag},
			{FieldName: "source", FieldType: redis.SearchFieldTypeTag},
			{FieldName: "timestamp", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
			{FieldName: "confidence", FieldType: redis.SearchFieldTypeNumeric},
		},
	}
}

// KnowledgeCollection returns the knowledge base collection indexed as name.
func KnowledgeCollection(name string) Collection {
	return Collection{
		Name:         "knowledge",
		Index:        name,
		Prefix:       "qa:",
		TextFields:   []string{"question", "answer"},
		Tags:         []string{"category"},
		SortField:    "votes",
		DefaultLimit: 5,
		schema: []*redis.FieldSchema{
			{FieldName: "question", FieldType: redis.SearchFieldTypeText},
			{FieldName: "answer", FieldType: redis.SearchFieldTypeText},
			{FieldName: "category", FieldType: redis.SearchFieldTypeTag},
			{FieldName: "votes", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
			{FieldName: "helpful_count", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
			{FieldName: "views", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
			{FieldName: "timestamp", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
		},
	}
}
