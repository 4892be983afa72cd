package v1

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/JuanPabloHerrera/openapi/internal/gateway"
	"github.com/JuanPabloHerrera/openapi/internal/upstream"
	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/gin-gonic/gin"
)

// Gateway runs one metered request.
type Gateway interface {
	Handle(ctx context.Context, req gateway.Request) (*upstream.Response, error)
}

type ProxyHandler struct {
	gateway      Gateway
	maxBodyBytes int64
}

func NewProxyHandler(g Gateway, maxBodyBytes int64) *ProxyHandler {
	return &ProxyHandler{gateway: g, maxBodyBytes: maxBodyBytes}
}

// Proxy hands the raw body to the gateway and relays the upstream answer
// untouched, status included.
func (h *ProxyHandler) Proxy(c *gin.Context) {
	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = c.Error(api.NewError(http.StatusRequestEntityTooLarge, "Request body too large", api.TypeInvalidRequest, http.StatusRequestEntityTooLarge))
			return
		}
		_ = c.Error(api.BadRequest("Failed to read request body"))
		return
	}

	resp, err := h.gateway.Handle(c.Request.Context(), gateway.Request{
		Authorization: c.GetHeader("Authorization"),
		Path:          "/" + strings.TrimPrefix(c.Param("path"), "/"),
		Body:          body,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.Status, contentType, resp.Body)
}
