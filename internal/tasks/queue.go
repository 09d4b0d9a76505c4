package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/domain"
)

// Message is the queued unit of work. File sources travel by path to a
// staged copy, never by content.
type Message struct {
	TaskID      uuid.UUID         `json:"task_id"`
	TaskName    string            `json:"task_name"`
	ProcessID   uuid.UUID         `json:"process_id"`
	OwnerID     string            `json:"owner_id"`
	SourceType  domain.ImportType `json:"source_type"`
	EndpointURL string            `json:"endpoint_url,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	FilePath    string            `json:"file_path,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

func newMessage(task domain.AsyncTask, processID uuid.UUID, source domain.Source) Message {
	return Message{
		TaskID:      task.ID,
		TaskName:    task.TaskName,
		ProcessID:   processID,
		OwnerID:     task.OwnerID,
		SourceType:  source.Type,
		EndpointURL: source.EndpointURL,
		FileName:    source.FileName,
		FilePath:    source.FilePath,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Source rebuilds the import source carried by the message.
func (m Message) Source() domain.Source {
	return domain.Source{
		Type:        m.SourceType,
		EndpointURL: m.EndpointURL,
		FileName:    m.FileName,
		FilePath:    m.FilePath,
	}
}

// Publisher puts messages on the task queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one message. A nil error acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers queued messages to a handler until ctx is done.
type Subscriber interface {
	Consume(ctx context.Context, handler Handler) error
}
