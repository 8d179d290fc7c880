package search

// MessageRecord is the data indexed for one chat message.
type MessageRecord struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	Content    string `json:"content"`
	SenderName string `json:"senderName,omitempty"`
}

// Query describes a message search request, always scoped to one chat.
type Query struct {
	ChatID string
	Text   string
	Limit  int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	Snippet    string `json:"snippet"`
	SenderName string `json:"senderName,omitempty"`
}

// Response is the envelope returned by the search path.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
