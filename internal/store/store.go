// Package store provides the hierarchical document store used for profiles,
// chats and messages, with SQLite and Pebble implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Fields is a schemaless document body.
type Fields map[string]any

// Snapshot is a point-in-time read of one document.
type Snapshot struct {
	Path   string
	ID     string
	Fields Fields
	Exists bool
	// Seq is the arrival order of the document in the store.
	Seq int64
}

// Query selects the direct children of a collection, ordered ascending by a
// numeric field with ties broken by arrival order.
type Query struct {
	Collection string
	OrderBy    string
}

// Listener receives full snapshots of a query result.
type Listener func(docs []Snapshot, err error)

// Subscription is a standing live query.
type Subscription interface {
	// Unsubscribe stops delivery. A callback already running may finish.
	Unsubscribe()
}

// DocumentStore persists documents addressed by hierarchical paths of the
// form collection/doc[/collection/doc...].
type DocumentStore interface {
	// Upsert creates the document or merges fields into it.
	Upsert(ctx context.Context, path string, fields Fields) error

	// Update merges fields into an existing document. A missing document is
	// left absent and yields ErrNotFound.
	Update(ctx context.Context, path string, fields Fields) error

	// Delete removes a document. Deleting a missing document is not an error.
	// Sub-collections are not removed.
	Delete(ctx context.Context, path string) error

	// Get reads a document. A missing document yields Exists == false.
	Get(ctx context.Context, path string) (*Snapshot, error)

	// List returns the documents of a collection.
	List(ctx context.Context, q Query) ([]Snapshot, error)

	// Subscribe delivers the current result of q and a fresh result after
	// every write to the collection until unsubscribed or ctx is done.
	Subscribe(ctx context.Context, q Query, fn Listener) (Subscription, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

var (
	// ErrInvalidPath is returned for malformed document or collection paths.
	ErrInvalidPath = errors.New("invalid document path")
	// ErrNotFound is returned by Update when the document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")

	orderByPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// SplitPath returns the collection and document ID of a document path.
func SplitPath(path string) (collection, id string, err error) {
	segs, err := segments(path)
	if err != nil {
		return "", "", err
	}
	if len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is a collection path", ErrInvalidPath, path)
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// ValidateCollection checks that path names a collection.
func ValidateCollection(path string) error {
	segs, err := segments(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return fmt.Errorf("%w: %q is a document path", ErrInvalidPath, path)
	}
	return nil
}

func validateQuery(q Query) error {
	if err := ValidateCollection(q.Collection); err != nil {
		return err
	}
	if q.OrderBy != "" && !orderByPattern.MatchString(q.OrderBy) {
		return fmt.Errorf("%w: bad order field %q", ErrInvalidPath, q.OrderBy)
	}
	return nil
}

func segments(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsRune(s, 0) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// UserPath is users/{uid}.
func UserPath(uid string) string {
	return "users/" + uid
}

// ChatsPath is users/{uid}/chats.
func ChatsPath(uid string) string {
	return UserPath(uid) + "/chats"
}

// ChatPath is users/{uid}/chats/{chatID}.
func ChatPath(uid, chatID string) string {
	return ChatsPath(uid) + "/" + chatID
}

// MessagesPath is users/{uid}/chats/{chatID}/messages.
func MessagesPath(uid, chatID string) string {
	return ChatPath(uid, chatID) + "/messages"
}

// MessagePath is users/{uid}/chats/{chatID}/messages/{messageID}.
func MessagePath(uid, chatID, messageID string) string {
	return MessagesPath(uid, chatID) + "/" + messageID
}

func mergeFields(dst, src Fields) Fields {
	out := make(Fields, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
