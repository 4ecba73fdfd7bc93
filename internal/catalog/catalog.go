// Package catalog provides read-only snapshots of the library's book records.
package catalog

import (
	"context"

	"bibliobot/internal/domain"
)

// Source returns the full current catalog. Callers must not mutate the result.
type Source interface {
	Entries(ctx context.Context) ([]domain.CatalogEntry, error)
}

// MemorySource serves a fixed catalog.
type MemorySource struct {
	items []domain.CatalogEntry
}

func NewMemorySource(items []domain.CatalogEntry) *MemorySource {
	return &MemorySource{items: append([]domain.CatalogEntry(nil), items...)}
}

func (s *MemorySource) Entries(_ context.Context) ([]domain.CatalogEntry, error) {
	return append([]domain.CatalogEntry(nil), s.items...), nil
}

// Seed is the sample catalog used by the local dev server.
func Seed() []domain.CatalogEntry {
	return []domain.CatalogEntry{
		{
			ID:          "lib-001",
			Title:       "Cien años de soledad",
			Author:      "Gabriel García Márquez",
			Category:    "Novela",
			Description: "La historia de la familia Buendía a lo largo de siete generaciones en Macondo.",
			Available:   true,
		},
		{
			ID:        "lib-002",
			Title:     "Wonder",
			Author:    "R. J. Palacio",
			Category:  "Juvenil",
			Synopsis:  "Auggie Pullman, un niño con una diferencia facial, asiste a la escuela por primera vez y enfrenta el bullying.",
			Available: true,
		},
		{
			ID:          "lib-003",
			Title:       "Fahrenheit 451",
			Author:      "Ray Bradbury",
			Category:    "Ciencia ficción",
			Description: "En un futuro donde los libros están prohibidos, un bombero empieza a cuestionar su trabajo.",
			Available:   false,
		},
		{
			ID:          "lib-004",
			Title:       "Fundación",
			Author:      "Isaac Asimov",
			Category:    "Ciencia ficción",
			Description: "Hari Seldon prevé la caída del Imperio Galáctico y crea un plan para acortar la era oscura.",
			Available:   true,
		},
		{
			ID:        "lib-005",
			Title:     "El principito",
			Author:    "Antoine de Saint-Exupéry",
			Category:  "Clásico",
			Available: true,
		},
	}
}
