// Package pagination provides page/pageSize pagination utilities.
package pagination

import (
	"fmt"
	"strconv"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Params is a 1-based page request.
type Params struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// Parse reads page and pageSize query values. Empty values take defaults;
// pageSize is capped at MaxPageSize.
func Parse(page, pageSize string) (Params, error) {
	p := Params{Page: 1, PageSize: DefaultPageSize}
	if page != "" {
		n, err := strconv.Atoi(page)
		if err != nil || n < 1 {
			return Params{}, fmt.Errorf("invalid page %q", page)
		}
		p.Page = n
	}
	if pageSize != "" {
		n, err := strconv.Atoi(pageSize)
		if err != nil || n < 1 {
			return Params{}, fmt.Errorf("invalid pageSize %q", pageSize)
		}
		p.PageSize = n
	}
	return p.Normalize(), nil
}

// Normalize applies defaults and caps.
func (p Params) Normalize() Params {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset returns the number of items before the page.
func (p Params) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.PageSize
}

// Meta describes a returned page.
type Meta struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	Total    int  `json:"total"`
	HasMore  bool `json:"hasMore"`
}

// NewMeta builds page metadata from the total item count.
func NewMeta(p Params, total int) Meta {
	p = p.Normalize()
	return Meta{
		Page:     p.Page,
		PageSize: p.PageSize,
		Total:    total,
		HasMore:  p.Offset()+p.PageSize < total,
	}
}

// Slice returns the page of items, which must already be in display order.
func Slice[T any](items []T, p Params) []T {
	p = p.Normalize()
	start := p.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + p.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
