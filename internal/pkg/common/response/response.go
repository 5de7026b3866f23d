// Package response holds the JSON envelope shared by all API handlers.
package response

import (
	"net/url"
	"strconv"
)

// Response 统一响应结构：列表接口填 Count/Previous/Next/Results，出错时填 Detail
type Response struct {
	Count    *int    `json:"count,omitempty"`
	Previous *string `json:"previous,omitempty"`
	Next     *string `json:"next,omitempty"`
	Results  any     `json:"results,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// Page builds a paged list response.
func Page(u *url.URL, page, pageSize, total int, results any) Response {
	prev, next := BuildPageLinks(u, page, pageSize, total)
	return Response{Count: &total, Previous: prev, Next: next, Results: results}
}

// Error builds an error response.
func Error(detail string) Response { return Response{Detail: detail} }

// BuildPageLinks returns the previous/next page URLs of a paged listing, nil at either end.
// Other query parameters of u are kept.
func BuildPageLinks(u *url.URL, page, pageSize, total int) (prev, next *string) {
	if u == nil || pageSize <= 0 {
		return nil, nil
	}
	link := func(p int) *string {
		cp := *u
		q := cp.Query()
		q.Set("page", strconv.Itoa(p))
		q.Set("page_size", strconv.Itoa(pageSize))
		cp.RawQuery = q.Encode()
		s := cp.String()
		return &s
	}
	if page > 1 {
		prev = link(page - 1)
	}
	if page*pageSize < total {
		next = link(page + 1)
	}
	return prev, next
}
