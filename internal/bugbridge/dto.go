package bugbridge

import (
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/bugbridge/dashboard/internal/session"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresIn   int64            `json:"expires_in"`
	User        session.Identity `json:"user"`
}

func (r loginResponse) token(now time.Time) *oauth2.Token {
	tokenType := strings.TrimSpace(r.TokenType)
	if tokenType == "" {
		tokenType = "Bearer"
	}
	tok := &oauth2.Token{AccessToken: r.AccessToken, TokenType: tokenType}
	if r.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return tok
}

// Feedback is one ingested feedback post with its derived analysis.
type Feedback struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Author        string  `json:"author,omitempty"`
	Board         string  `json:"board,omitempty"`
	Sentiment     string  `json:"sentiment,omitempty"`
	Category      string  `json:"category,omitempty"`
	PriorityScore float64 `json:"priority_score"`
	TicketKey     string  `json:"ticket_key,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// FeedbackPage is a page of GET /feedback.
type FeedbackPage struct {
	Items    []Feedback `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// PlatformConfig is the opaque settings document returned by GET /config.
type PlatformConfig map[string]any
