package httpauth

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/ggoodman/kcbearer"
	"github.com/ggoodman/kcbearer/internal/verify"
)

// ResourceMetadata is the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) describing which realms issue tokens for a resource.
type ResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// BuildResourceMetadata derives the metadata of resource from the registered
// strategies. jwks_uri is only set when every strategy uses the same realm.
func BuildResourceMetadata(resource, name string, reg *kcbearer.Registry) ResourceMetadata {
	var realms []string
	for _, cfg := range reg.List() {
		if !slices.Contains(realms, cfg.RealmURL) {
			realms = append(realms, cfg.RealmURL)
		}
	}
	slices.Sort(realms)
	md := ResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   realms,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           name,
	}
	if len(realms) == 1 {
		md.JwksURI = realms[0] + verify.CertsPath
	}
	return md
}

// ResourceMetadataHandler serves BuildResourceMetadata, recomputed per
// request so later registrations are reflected.
func ResourceMetadataHandler(resource, name string, reg *kcbearer.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.Header().Set("Cache-Control", "max-age=300")
		_ = json.NewEncoder(w).Encode(BuildResourceMetadata(resource, name, reg))
	})
}
