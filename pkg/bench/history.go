package bench

import (
	"strings"

	"github.com/wikilabs/wikinav/pkg/models"
)

// pageHistory is a bounded window of recently visited pages. The oldest
// page is dropped once the window is full.
type pageHistory struct {
	pages []*models.WikiPage
	max   int
}

func newPageHistory(max int) *pageHistory {
	if max <= 0 {
		max = 5
	}
	return &pageHistory{max: max}
}

func (h *pageHistory) Append(page *models.WikiPage) {
	h.pages = append(h.pages, page)
	if len(h.pages) > h.max {
		h.pages = h.pages[1:]
	}
}

func (h *pageHistory) Len() int {
	return len(h.pages)
}

// Last returns the most recently visited page, or nil when empty.
func (h *pageHistory) Last() *models.WikiPage {
	if len(h.pages) == 0 {
		return nil
	}
	return h.pages[len(h.pages)-1]
}

// Titles returns the titles in visitation order.
func (h *pageHistory) Titles() []string {
	titles := make([]string, len(h.pages))
	for i, p := range h.pages {
		titles[i] = p.Title
	}
	return titles
}

// CountTitle counts case-insensitive occurrences of title in the window.
func (h *pageHistory) CountTitle(title string) int {
	n := 0
	for _, p := range h.pages {
		if strings.EqualFold(p.Title, title) {
			n++
		}
	}
	return n
}
