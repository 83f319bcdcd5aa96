package domain

import "time"

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobDone       JobState = "done"
	JobFailed     JobState = "failed"
)

type StreamStatus string

const (
	StreamInProgress StreamStatus = "in_progress"
	StreamCompleted  StreamStatus = "completed"
)

// User is a person signed in through the source host.
// AccessToken is plaintext only in memory; stores seal it at rest.
type User struct {
	ID          string    `json:"id"`
	GitHubID    int64     `json:"githubId"`
	Username    string    `json:"username"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Repository is one ingested copy of a source repository for one user.
type Repository struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	LocalPath string    `json:"-"`
	IndexID   string    `json:"-"`
	Files     []string  `json:"-"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RemoteRepository is a repository as listed by the source host.
type RemoteRepository struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conversation binds a caller-minted chat id to one user, one repository,
// one agent and, once materialized, one backend thread.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	RepositoryID string    `json:"repoId"`
	AgentID      string    `json:"-"`
	ThreadID     string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"chatId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	ParentID       string      `json:"parentId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// ChatHistory is a conversation with its repository and messages.
type ChatHistory struct {
	Conversation
	Repository Repository `json:"repo"`
	Messages   []Message  `json:"messages"`
}

// StreamEvent is one normalized event of an answer stream. A non-empty Error
// marks the terminal failure event; writers render it as {"error": Error}.
type StreamEvent struct {
	Status  StreamStatus `json:"status"`
	Delta   *string      `json:"delta"`
	Content *string      `json:"content"`
	Error   string       `json:"-"`
}

// IngestJob tracks an asynchronous ingestion request.
type IngestJob struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Owner        string    `json:"owner"`
	Repo         string    `json:"repo"`
	State        JobState  `json:"state"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error,omitempty"`
	RepositoryID string    `json:"repoId,omitempty"`
	Conflict     bool      `json:"conflict,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
