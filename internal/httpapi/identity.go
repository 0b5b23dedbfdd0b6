package httpapi

import (
	"net/http"
	"strings"
)

// actingStaff resolves the acting practitioner/admin identity supplied by
// the identity collaborator. The header wins over the body field; the
// value is attribution only and is never authenticated here.
func actingStaff(r *http.Request, bodyValue string) string {
	if header := strings.TrimSpace(r.Header.Get("X-Acting-Staff")); header != "" {
		return header
	}
	return strings.TrimSpace(bodyValue)
}
