// Package pagination implements keyset paging over snowflake ids.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

type cursor struct {
	ID string `json:"id"`
}

// Size clamps a requested page size into [1, MaxPageSize].
func Size(requested int) int {
	switch {
	case requested <= 0:
		return DefaultPageSize
	case requested > MaxPageSize:
		return MaxPageSize
	default:
		return requested
	}
}

func EncodeToken(id snowflake.ID) string {
	b, _ := json.Marshal(cursor{ID: id.String()})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeToken returns the id a page token continues from; a blank token is zero.
func DecodeToken(token string) (snowflake.ID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, ErrInvalidToken
	}
	var c cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return 0, ErrInvalidToken
	}
	id, err := snowflake.ParseString(c.ID)
	if err != nil || id == 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// Page trims a result fetched with limit size+1 and builds its PageInfo.
// Nil items are dropped.
func Page[T any](items []*T, size int, idOf func(*T) snowflake.ID) ([]T, PageInfo) {
	var info PageInfo
	if len(items) > size {
		items = items[:size]
		info.HasMore = true
	}

	out := make([]T, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	if info.HasMore && len(out) > 0 {
		info.NextPageToken = EncodeToken(idOf(&out[len(out)-1]))
	}
	return out, info
}
