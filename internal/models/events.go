package models

import (
	"encoding/json"
	"time"
)

type Table string

const (
	TablePosts         Table = "posts"
	TableLikes         Table = "likes"
	TableComments      Table = "comments"
	TableNotifications Table = "notifications"
	TableFollows       Table = "follows"
	TableProfiles      Table = "profiles"
)

func (t Table) Valid() bool {
	switch t {
	case TablePosts, TableLikes, TableComments, TableNotifications, TableFollows, TableProfiles:
		return true
	}
	return false
}

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// ChangeEvent - сырое уведомление ленты изменений сервиса данных.
// Для delete заполнен только OldRecord.
type ChangeEvent struct {
	Table      Table           `json:"table"`
	Operation  Operation       `json:"operation"`
	Record     json.RawMessage `json:"record,omitempty"`
	OldRecord  json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// EventFilter - фильтр подписки по равенству колонки.
type EventFilter struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Matches проверяет фильтр по JSON-записи. Пустой фильтр пропускает все.
func (f *EventFilter) Matches(record json.RawMessage) bool {
	if f == nil || f.Column == "" {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(record, &fields); err != nil {
		return false
	}
	v, ok := fields[f.Column].(string)
	return ok && v == f.Value
}

// Payload возвращает запись, по которой проверяется фильтр и декодируется событие.
func (e ChangeEvent) Payload() json.RawMessage {
	if e.Operation == OpDelete || len(e.Record) == 0 || string(e.Record) == "null" {
		return e.OldRecord
	}
	return e.Record
}

// NewChangeEvent сериализует строку в событие.
func NewChangeEvent(table Table, op Operation, record, old any) (ChangeEvent, error) {
	ev := ChangeEvent{Table: table, Operation: op, CommitTime: time.Now().UTC()}
	if record != nil {
		b, err := json.Marshal(record)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.Record = b
	}
	if old != nil {
		b, err := json.Marshal(old)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.OldRecord = b
	}
	return ev, nil
}
