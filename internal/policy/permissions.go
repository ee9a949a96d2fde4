package policy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rsclarke/keygate/internal/models"
)

// RequiredCapability maps an HTTP method to the capability it needs.
// Unknown methods need read.
func RequiredCapability(method string) models.Capability {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return models.CapWrite
	case http.MethodDelete:
		return models.CapDelete
	default:
		return models.CapRead
	}
}

// CheckPermission verifies the key grants the capability method needs. A key
// with no capabilities is unrestricted.
func CheckPermission(key *models.APIKey, method string) *Violation {
	if len(key.Capabilities) == 0 {
		return nil
	}
	required := RequiredCapability(method)
	if key.Capabilities.Has(required) {
		return nil
	}
	return &Violation{
		Code:    CodeInsufficientPermissions,
		Message: fmt.Sprintf("Your API key does not have %s permissions", required),
	}
}
