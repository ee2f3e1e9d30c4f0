package queue

import (
	"encoding/json"
	"fmt"
)

// MarshalHistory serializes the terminal history (oldest first) so it can be
// persisted across restarts.
func (q *Queue) MarshalHistory() ([]byte, error) {
	q.mu.Lock()
	hist := make([]Task, 0, len(q.history))
	for _, h := range q.history {
		hist = append(hist, h.clone())
	}
	q.mu.Unlock()
	return json.Marshal(hist)
}

// RestoreHistory loads previously serialized terminal tasks into the history
// ring, re-establishing the completed-dependency index. Entries beyond the
// configured history size are dropped oldest-first.
func (q *Queue) RestoreHistory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var hist []Task
	if err := json.Unmarshal(data, &hist); err != nil {
		return fmt.Errorf("restore history: %w", err)
	}
	q.RestoreTasks(hist)
	return nil
}

// RestoreTasks loads terminal task snapshots (oldest first) into the history
// ring. Non-terminal entries are skipped.
func (q *Queue) RestoreTasks(tasks []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range tasks {
		t := tasks[i]
		if !t.Status.Terminal() {
			continue
		}
		q.history = append(q.history, &t)
		q.terminal[t.ID] = t.Status
	}
	if n := q.cfg.HistorySize; len(q.history) > n {
		for _, old := range q.history[:len(q.history)-n] {
			delete(q.terminal, old.ID)
		}
		q.history = q.history[len(q.history)-n:]
	}
}
