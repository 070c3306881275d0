package api

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Task is one immutable evaluation input: an adversarial or benign
// request to run through the critique loop.
type Task struct {
	ID       string `json:"id"`
	Prompt   string `json:"prompt"`
	Category string `json:"category,omitempty"`
}

// Turn records one full loop iteration. SpecBefore is the criterion the
// iteration ran under; SpecAfter is the criterion after the meta-critique
// step (equal to SpecBefore when meta-critique is disabled or skipped).
type Turn struct {
	Index      int    `json:"index"`
	Response   string `json:"response"`
	Critique   string `json:"critique,omitempty"`
	Revised    string `json:"revised"`
	SpecBefore string `json:"spec_before"`
	SpecAfter  string `json:"spec_after"`
}

type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusAborted   RunStatus = "aborted"
	StatusCancelled RunStatus = "cancelled"
)

// RunResult aggregates one task's loop execution. Score is nil when the
// task did not complete.
type RunResult struct {
	RunID         string    `json:"run_id"`
	TaskID        string    `json:"task_id"`
	Category      string    `json:"category,omitempty"`
	Status        RunStatus `json:"status"`
	Turns         []Turn    `json:"turns"`
	FinalResponse string    `json:"final_response"`
	FinalSpec     string    `json:"final_spec"`
	Score         *float64  `json:"score,omitempty"`
	ErrorSummary  string    `json:"error_summary,omitempty"`
	Iterations    int       `json:"iterations"`
	StartedAt     string    `json:"started_at"`
	FinishedAt    string    `json:"finished_at"`
}

// Summary reports aggregate counts over a run. MeanScore is computed over
// completed tasks only.
type Summary struct {
	Total     int     `json:"total"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	MeanScore float64 `json:"mean_score"`
}

// ChatRequest is the wire shape of an OpenAI-compatible chat completion
// request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the subset of the completion response we consume.
type ChatResponse struct {
	Choices []ChatChoice `json:"choices"`
	Error   *ChatError   `json:"error,omitempty"`
}

type ChatChoice struct {
	Message Message `json:"message"`
}

type ChatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}
