package localapi

import "github.com/dshills/possync/pkg/types"

// Header names
const (
	HeaderRegisterID   = "X-Register-Id"
	HeaderSharedSecret = "x-shared-secret"
)

// Route paths
const (
	PathHealth = "/api/health"
	PathEvents = "/api/sync/events"
)

// DefaultEventLimit bounds one events response
const DefaultEventLimit = 500

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	OK           bool   `json:"ok"`
	RegisterID   string `json:"registerId"`
	RegisterName string `json:"registerName"`
	Timestamp    int64  `json:"timestamp"`
}

type ordersResponse struct {
	Orders []*types.LocalOrder `json:"orders"`
}

type orderResponse struct {
	Order *types.LocalOrder `json:"order"`
	Items []types.OrderItem `json:"items"`
}

type productsResponse struct {
	Products []*types.Product `json:"products"`
}

type productResponse struct {
	Product *types.Product `json:"product"`
}

type taxProfilesResponse struct {
	TaxProfiles []*types.TaxProfile `json:"taxProfiles"`
}

type returnsResponse struct {
	Returns []*types.Return `json:"returns"`
}

type eventsResponse struct {
	Events []*types.SyncEvent `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}
