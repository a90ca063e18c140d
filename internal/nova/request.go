package nova

import (
	"time"

	"github.com/google/uuid"
)

// PolicyVersions identifies the policy documents that were in force while a
// request was processed. Recorded verbatim in every audit record.
type PolicyVersions struct {
	CapabilityMatrix int `json:"capability_matrix"`
	Constraints      int `json:"constraints"`
	Verification     int `json:"verification"`
	Freshness        int `json:"freshness"`
}

// CurrentPolicyVersions is the compiled-in policy snapshot. Bumped whenever a
// rubric, constraint fragment or freshness table changes.
var CurrentPolicyVersions = PolicyVersions{
	CapabilityMatrix: 3,
	Constraints:      5,
	Verification:     2,
	Freshness:        4,
}

// RequestContext carries the identity and policy scope of one pipeline run.
// Gates receive it read-only alongside the pipeline state.
type RequestContext struct {
	RequestID string
	UserID    string
	ClientIP  string
	Policies  PolicyVersions
	StartedAt time.Time
}

// NewRequestContext mints a context with a fresh request id.
func NewRequestContext(userID, clientIP string) RequestContext {
	return RequestContext{
		RequestID: uuid.NewString(),
		UserID:    userID,
		ClientIP:  clientIP,
		Policies:  CurrentPolicyVersions,
		StartedAt: time.Now(),
	}
}
