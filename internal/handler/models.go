package handler

import (
	"net/http"
	"time"

	"github.com/awsl-project/agproxy/internal/converter"
)

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	names := s.resolver.Catalogue()
	created := time.Now().Unix()
	list := converter.OpenAIModelList{Object: "list", Data: make([]converter.OpenAIModel, 0, len(names))}
	for _, name := range names {
		list.Data = append(list.Data, converter.OpenAIModel{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "antigravity",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGeminiModels serves the same catalogue in the Gemini list shape.
func (s *Server) handleGeminiModels(w http.ResponseWriter, r *http.Request) {
	names := s.resolver.Catalogue()
	models := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		models = append(models, map[string]interface{}{
			"name":                       "models/" + name,
			"displayName":                name,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}
