package gateway

import (
	"context"
	"encoding/json"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

// usageLimitsResponse is the shape of the Kiro usage-limits payload this
// process cares about: everything else is passed through to the admin
// caller unparsed.
type usageLimitsResponse struct {
	SubscriptionInfo struct {
		SubscriptionTitle string `json:"subscriptionTitle"`
	} `json:"subscriptionInfo"`
}

// fetchUsageLimits implements credpool.UsageLimitsFetcher, letting
// credpool.Pool.GetUsageLimitsFor call into the upstream client without
// credpool importing it directly.
func (s *Server) fetchUsageLimits(ctx context.Context, cc model.CallContext) (string, []byte, error) {
	raw, err := s.upstream.McpCallWithContext(ctx, cc, usageLimitsRequestBody())
	if err != nil {
		return "", nil, err
	}
	var parsed usageLimitsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", raw, nil
	}
	return parsed.SubscriptionInfo.SubscriptionTitle, raw, nil
}

func usageLimitsRequestBody() []byte {
	b, _ := json.Marshal(map[string]string{"jsonrpc": "2.0", "id": "usage-limits", "method": "usageLimits"})
	return b
}
