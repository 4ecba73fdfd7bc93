package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"bibliobot/internal/domain"
)

// NoSynopsis is embedded for entries with neither a description nor a synopsis.
const NoSynopsis = "Sin descripción"

// promptEntry is the simplified catalog projection embedded in the prompt.
type promptEntry struct {
	Title     string `json:"titulo"`
	Author    string `json:"autor"`
	Category  string `json:"categoria"`
	Synopsis  string `json:"sinopsis"`
	Available bool   `json:"disponible"`
}

func project(catalog []domain.CatalogEntry) []promptEntry {
	out := make([]promptEntry, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, promptEntry{
			Title:     e.Title,
			Author:    e.Author,
			Category:  e.Category,
			Synopsis:  resolveSynopsis(e),
			Available: e.Available,
		})
	}
	return out
}

func resolveSynopsis(e domain.CatalogEntry) string {
	if e.Description != "" {
		return e.Description
	}
	if e.Synopsis != "" {
		return e.Synopsis
	}
	return NoSynopsis
}

// BuildPrompt renders the single user prompt for a question against a catalog snapshot.
// The output depends only on its arguments.
func BuildPrompt(userText string, catalog []domain.CatalogEntry) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(project(catalog)); err != nil {
		return "", fmt.Errorf("gateway: encode catalog: %w", err)
	}

	return strings.Join([]string{
		`Eres "BiblioBot", el asistente virtual de SmartLibrary. Eres amigable, útil y conoces bien la biblioteca.`,
		"",
		fmt.Sprintf("CATÁLOGO DE LIBROS (%d libros):", len(catalog)),
		strings.TrimRight(buf.String(), "\n"),
		"",
		"INFORMACIÓN DE LA BIBLIOTECA:",
		libraryInfo(),
		"",
		"INSTRUCCIONES:",
		instructions(),
		"",
		"PREGUNTA DEL USUARIO:",
		userText,
		"",
		"RESPUESTA (máximo 300 palabras):",
	}, "\n"), nil
}

func libraryInfo() string {
	return strings.Join([]string{
		"- Horario: Lunes a Viernes 8:00 AM - 8:00 PM, Sábados 9:00 AM - 5:00 PM",
		"- Límite de préstamos: 5 libros por usuario",
		"- Duración del préstamo: 15 días con opción a renovar",
		"- Política de multas: $2 por día de atraso",
	}, "\n")
}

func instructions() string {
	return strings.Join([]string{
		"- Responde de forma clara, amigable y concisa",
		"- Si buscas libros, recomienda máximo 3 y menciona si están disponibles",
		"- Usa emojis ocasionalmente para hacer la conversación más amigable",
		"- Si no tienes información exacta, sugiere alternativas del catálogo",
		"- Mantén las respuestas en español y usa un tono casual pero profesional",
	}, "\n")
}
