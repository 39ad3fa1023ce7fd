package api

const requestMaxSize = 64 * 1024 // 64 KiB

const (
	headerIdempotencyKey = "Idempotency-Key"
	anonymousScope       = "anonymous"
	userContextKey       = "userID"
)

// POST /tasks request body
type createTaskRequest struct {
	Title string `json:"title"`
}
