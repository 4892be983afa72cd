package catalog

import (
	"strings"

	"github.com/JuanPabloHerrera/openapi/pkg/api"
)

const staticCreated = 1677610602

var staticIDs = []string{
	"meta-llama/llama-3.2-3b-instruct:free",
	"google/gemini-flash-1.5",
	"anthropic/claude-3-haiku",
	"openai/gpt-4o-mini",
	"openai/gpt-4o",
	"openai/gpt-4-turbo",
	"anthropic/claude-3.5-sonnet",
	"anthropic/claude-3-opus",
	"meta-llama/llama-3.1-70b-instruct",
	"meta-llama/llama-3.1-405b-instruct",
	"google/gemini-pro-1.5",
	"mistralai/mistral-large",
	"mistralai/mixtral-8x7b-instruct",
}

// Static is the built-in model list served when the upstream listing is
// unavailable.
func Static() []api.Model {
	models := make([]api.Model, 0, len(staticIDs))
	for _, id := range staticIDs {
		models = append(models, newModel(id, staticCreated))
	}
	return models
}

func newModel(id string, created int64) api.Model {
	owner, _, found := strings.Cut(id, "/")
	if !found {
		owner = "system"
	}
	return api.Model{
		ID:         id,
		Object:     "model",
		Created:    created,
		OwnedBy:    owner,
		Permission: []interface{}{},
		Root:       id,
	}
}
