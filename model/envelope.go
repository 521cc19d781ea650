package model

// PageInfo is the pagination block some list endpoints attach.
type PageInfo struct {
	Current int `json:"current"`
	Pages   int `json:"pages"`
	Total   int `json:"total"`
}

// Envelope is the uniform response wrapper of the pipeline service. A false
// Success is a failure regardless of the HTTP status.
type Envelope[T any] struct {
	Success    bool      `json:"success"`
	Data       T         `json:"data,omitempty"`
	Message    string    `json:"message,omitempty"`
	Pagination *PageInfo `json:"pagination,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	CacheAge   int       `json:"cacheAge,omitempty"`
}

// OK wraps data in a successful envelope.
func OK[T any](data T) Envelope[T] {
	return Envelope[T]{Success: true, Data: data}
}
