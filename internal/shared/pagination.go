package shared

import "math"

// DefaultPerPage is used when a caller does not supply a usable page size.
const DefaultPerPage = 15

// Pagination contains metadata for paginated listings. The JSON shape mirrors
// the metadata the admin UI's pager widget consumes.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"items"`
	Total      int  `json:"count"`
	TotalPages int  `json:"pages"`
	Prev       *int `json:"prev"`
	Next       *int `json:"next"`
	From       int  `json:"from"`
	To         int  `json:"to"`
}

// NewPagination computes pagination metadata. The page is clamped so that the
// offset and the last row index fit in an int.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page <= 0 {
		page = 1
	}
	if maxPage := math.MaxInt / perPage; page > maxPage {
		page = maxPage
	}
	if total < 0 {
		total = 0
	}
	totalPages := total / perPage
	if total%perPage != 0 || totalPages == 0 {
		totalPages++
	}
	p := Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
	if page > 1 {
		prev := page - 1
		p.Prev = &prev
	}
	if page < totalPages {
		next := page + 1
		p.Next = &next
	}
	offset := p.Offset()
	if offset < total {
		p.From = offset + 1
		p.To = offset + min(perPage, total-offset)
	}
	return p
}

// Offset returns the number of rows preceding the current page.
func (p Pagination) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PerPage
}

// Limit returns the page size.
func (p Pagination) Limit() int {
	return p.PerPage
}
