package transport

import (
	"net/http"

	"github.com/pitabwire/labflow/model"
)

// CatalogResponse lists the orderable test types.
type CatalogResponse struct {
	Checksum  string                     `json:"checksum"`
	TestTypes []model.TestTypeDefinition `json:"test_types"`
}

func (h *handlers) catalogView(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil || !h.catalog.Loaded() {
		WriteNotFound(w, r, "no lab catalog is loaded")
		return
	}
	WriteJSON(w, http.StatusOK, CatalogResponse{
		Checksum:  h.catalog.Checksum(),
		TestTypes: h.catalog.AllTestTypes(),
	})
}
