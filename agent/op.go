package main

import (
	"errors"
	"fmt"
)

// Op is a message between the agent and an editor UI. The UI sends edits
// and cursor moves; the agent answers with the full text after every change.
type Op struct {
	Action   string `json:"action"`           // "insert", "delete", "cursor" or "sync"
	Text     string `json:"text,omitempty"`   // inserted text, or the document for "sync"
	Index    int    `json:"index"`            // position of the edit or cursor
	Length   int    `json:"length,omitempty"` // characters removed by "delete"
	ClientID string `json:"clientID"`         // ID of the browser tab to prevent echo
}

const (
	ActionInsert = "insert"
	ActionDelete = "delete"
	ActionCursor = "cursor"
	ActionSync   = "sync"
)

var errUnknownAction = errors.New("unknown action")

// Editor is the document surface the UI edits.
type Editor interface {
	Insert(index int, text string) error
	Delete(index, length int) error
	SetPresence(key string, value any) error
	Text() string
}

// apply performs a UI op on the document.
func apply(ed Editor, op Op) error {
	switch op.Action {
	case ActionInsert:
		return ed.Insert(op.Index, op.Text)
	case ActionDelete:
		return ed.Delete(op.Index, op.Length)
	case ActionCursor:
		return ed.SetPresence("cursor", op.Index)
	}
	return fmt.Errorf("%w %q", errUnknownAction, op.Action)
}
