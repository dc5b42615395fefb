package scenes

import "cineshorts/internal/domain"

// DefaultPageSize 是每页展示的场景数。
const DefaultPageSize = 12

// PageResult 是一页场景。
type PageResult struct {
	Items      []domain.Scene `json:"items"`
	TotalPages int            `json:"total_pages"`
}

// TotalPages 返回 ceil(n/pageSize)，pageSize 非正时为 0。
func TotalPages(n, pageSize int) int {
	if n <= 0 || pageSize <= 0 {
		return 0
	}
	return (n + pageSize - 1) / pageSize
}

// Page 取出 [(pageNumber-1)*pageSize, pageNumber*pageSize) 区间内的场景。
// 不做页码修正，越界时返回空列表。
func Page(items []domain.Scene, pageSize, pageNumber int) PageResult {
	res := PageResult{Items: []domain.Scene{}, TotalPages: TotalPages(len(items), pageSize)}
	if pageSize <= 0 || pageNumber <= 0 {
		return res
	}

	start := (pageNumber - 1) * pageSize
	if start >= len(items) {
		return res
	}
	end := min(start+pageSize, len(items))
	res.Items = append(res.Items, items[start:end]...)
	return res
}

// ClampPage 把页码限制在 [1, max(totalPages,1)]。
func ClampPage(page, totalPages int) int {
	upper := max(totalPages, 1)
	switch {
	case page < 1:
		return 1
	case page > upper:
		return upper
	default:
		return page
	}
}
