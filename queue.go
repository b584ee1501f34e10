package truffle

import (
	"sync"
	"time"
	"unicode/utf8"
)

// TaskStatus is the lifecycle state of a queued message task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRetrying   TaskStatus = "retrying"
)

// Task is one message awaiting pipeline processing. The queue owns a
// task until Dequeue hands it to a worker; the worker then owns it until
// MarkCompleted or MarkFailed.
type Task struct {
	ID           string
	Message      Message
	Channel      Channel
	Users        map[string]User
	Status       TaskStatus
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string
	RetryCount   int
}

// QueueStats is a point-in-time snapshot of queue set sizes.
type QueueStats struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	TotalProcessed int `json:"total_processed"`
}

// TaskSummary is a monitoring view of one task.
type TaskSummary struct {
	TaskID         string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	MessagePreview string     `json:"message_preview"`
}

const (
	defaultMaxRetries = 3
	defaultMaxArchive = 1000
)

// Queue is the in-memory message task queue. New tasks are FIFO; a
// failed task with retries left is pushed back to the FRONT of pending
// so retries drain before fresh work (retry-first policy). All methods
// are safe for concurrent use; the internal lock is never held across
// I/O.
type Queue struct {
	mu         sync.Mutex
	pending    []*Task
	processing map[string]*Task
	completed  []*Task
	failed     []*Task
	maxRetries int
	maxArchive int
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxRetries sets how many times a task may be retried before it is
// archived as failed (default 3).
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) { q.maxRetries = n }
}

// WithMaxArchive bounds the completed and failed archives (default 1000
// each); the oldest entries are dropped first.
func WithMaxArchive(n int) QueueOption {
	return func(q *Queue) { q.maxArchive = n }
}

// NewQueue creates an empty queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		processing: make(map[string]*Task),
		maxRetries: defaultMaxRetries,
		maxArchive: defaultMaxArchive,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a new pending task and returns its id.
func (q *Queue) Enqueue(msg Message, channel Channel, users map[string]User) string {
	task := &Task{
		ID:        NewID(),
		Message:   msg,
		Channel:   channel,
		Users:     users,
		Status:    TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	return task.ID
}

// Dequeue pops the front of pending and moves it to processing.
// Returns nil when pending is empty.
func (q *Queue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	task.Status = TaskProcessing
	task.StartedAt = time.Now().UTC()
	q.processing[task.ID] = task
	return task
}

// MarkCompleted moves a processing task to the completed archive.
// Unknown ids are ignored.
func (q *Queue) MarkCompleted(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.processing[taskID]
	if !ok {
		return
	}
	delete(q.processing, taskID)
	task.Status = TaskCompleted
	task.CompletedAt = time.Now().UTC()
	q.completed = appendBounded(q.completed, task, q.maxArchive)
}

// MarkFailed records a processing failure. With retries left the task is
// marked retrying and pushed to the front of pending; otherwise it moves
// to the failed archive. Unknown ids are ignored.
func (q *Queue) MarkFailed(taskID, errorMessage string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.processing[taskID]
	if !ok {
		return
	}
	delete(q.processing, taskID)
	task.ErrorMessage = errorMessage
	task.RetryCount++

	if task.RetryCount <= q.maxRetries {
		task.Status = TaskRetrying
		q.pending = append([]*Task{task}, q.pending...)
		return
	}
	task.Status = TaskFailed
	task.CompletedAt = time.Now().UTC()
	q.failed = appendBounded(q.failed, task, q.maxArchive)
}

// Stats returns current set sizes.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:        len(q.pending),
		Processing:     len(q.processing),
		Completed:      len(q.completed),
		Failed:         len(q.failed),
		TotalProcessed: len(q.completed) + len(q.failed),
	}
}

// RecentTasks returns up to limit task summaries for monitoring: recent
// completions and failures plus everything currently processing, newest
// first.
func (q *Queue) RecentTasks(limit int) []TaskSummary {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []TaskSummary
	add := func(tasks []*Task, n int) {
		if n > len(tasks) {
			n = len(tasks)
		}
		for _, t := range tasks[len(tasks)-n:] {
			out = append(out, summarize(t))
		}
	}
	add(q.completed, limit/2)
	add(q.failed, limit/4)
	for _, t := range q.processing {
		out = append(out, summarize(t))
	}

	// Newest first.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ClearCompleted drops the completed archive and returns how many tasks
// were removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.completed)
	q.completed = nil
	return n
}

func summarize(t *Task) TaskSummary {
	s := TaskSummary{
		TaskID:         t.ID,
		Status:         t.Status,
		CreatedAt:      t.CreatedAt,
		RetryCount:     t.RetryCount,
		ErrorMessage:   t.ErrorMessage,
		MessagePreview: preview(t.Message.Text, 100),
	}
	if !t.CompletedAt.IsZero() {
		done := t.CompletedAt
		s.CompletedAt = &done
	}
	return s
}

// preview truncates to at most n bytes without splitting a rune.
func preview(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func appendBounded(tasks []*Task, t *Task, max int) []*Task {
	tasks = append(tasks, t)
	if len(tasks) > max {
		tasks = tasks[len(tasks)-max:]
	}
	return tasks
}
