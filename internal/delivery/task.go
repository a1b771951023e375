package delivery

import "github.com/google/uuid"

// Task is one pending (issue, recipient) pair from issue_delivery_queue.
// Its absence from the queue is the only record that an attempt was made.
type Task struct {
	IssueID   uuid.UUID `json:"newsletter_issue_id"`
	Recipient string    `json:"subscriber_email"`
}
