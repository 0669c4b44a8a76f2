package pagination

import (
	"encoding/base64"
	"encoding/json"
)

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=50" validate:"gte=1,lte=250"`
}

type Cursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// BuildCursorPageInfo trims the probe row fetched past the page size and
// derives the next-page token from the last row kept.
func BuildCursorPageInfo[T any](data []T, size int, cursorOf func(T) Cursor) (*PageInfo, []T) {
	if size <= 0 || len(data) <= size {
		return &PageInfo{}, data
	}
	data = data[:size]
	info := &PageInfo{HasMore: true}
	if token, err := EncodeCursor(cursorOf(data[len(data)-1])); err == nil {
		info.NextPageToken = token
	}
	return info, data
}
