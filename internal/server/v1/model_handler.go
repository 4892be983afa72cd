package v1

import (
	"net/http"

	"github.com/JuanPabloHerrera/openapi/internal/catalog"
	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/gin-gonic/gin"
)

type ModelHandler struct {
	catalog *catalog.Catalog
}

func NewModelHandler(c *catalog.Catalog) *ModelHandler {
	return &ModelHandler{catalog: c}
}

// ListModels is public and unmetered.
func (h *ModelHandler) ListModels(c *gin.Context) {
	var models []api.Model
	if h.catalog != nil {
		models = h.catalog.List(c.Request.Context())
	} else {
		models = catalog.Static()
	}
	c.JSON(http.StatusOK, api.ModelList{Object: "list", Data: models})
}
