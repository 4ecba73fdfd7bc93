package domain

// CatalogEntry is a book record as provided by the catalog source.
// Description and Synopsis are both optional.
type CatalogEntry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	Synopsis    string `json:"synopsis,omitempty"`
	Available   bool   `json:"available"`
}
