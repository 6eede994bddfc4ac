package webchat

// ChatRequestBody is accepted by every POST endpoint; each endpoint reads
// the fields it needs.
type ChatRequestBody struct {
	SessionID      string   `json:"session_id"`
	UserID         string   `json:"user_id,omitempty"`
	Message        string   `json:"message,omitempty"`
	MediaItemIDs   []string `json:"media_item_ids,omitempty"`
	BaseURLs       []string `json:"base_urls,omitempty"`
	PhotoContext   string   `json:"photo_context,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// UsageResponse is returned by GET /api/usage.
type UsageResponse struct {
	SessionID         string  `json:"session_id"`
	UserID            string  `json:"user_id"`
	SessionTotal      int     `json:"session_total"`
	DailyTotal        int     `json:"daily_total"`
	MaxPerSession     int     `json:"max_per_session"`
	MaxPerUserDaily   int     `json:"max_per_user_daily"`
	MaxMemoriesPerDay int     `json:"max_memories_per_day"`
	SessionRatio      float64 `json:"session_ratio"`
}
