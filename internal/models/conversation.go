package models

import "time"

// Conversation groups the persisted messages of one chat thread. It is
// created once, when the first assistant reply of the thread completes.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
