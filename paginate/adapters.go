package paginate

import (
	"context"

	"github.com/nearmarket/go-sync/backend"
	"github.com/nearmarket/go-sync/cache"
)

// Namespaces used for page caching and mutation-driven invalidation.
const (
	NamespaceListings    = "pages:listings:"
	NamespaceMarketplace = "pages:marketplace:"
	NamespaceRequests    = "pages:requests:"
)

// NewListings returns the engine for the general listings feed. Its RPC
// pages by page number only, so the engine requests the cumulative total
// and slices the new window client-side.
func NewListings(c *cache.Cache, client backend.Client, cfg Config) *Engine {
	cfg.Namespace = NamespaceListings
	cfg.RequiresCoords = true
	cfg.SupportsKeyset = false
	cfg.SupportsOffset = false
	cfg.Geo = func(ctx context.Context, req Request) ([]backend.Item, error) {
		return client.ListingsWithDistance(ctx, backend.ListingsQuery{
			UserLat:       req.Coords.Lat,
			UserLng:       req.Coords.Lng,
			PageNum:       1,
			PageSize:      req.Limit,
			MaxDistanceKM: req.Filters.MaxDistanceKM,
		})
	}
	cfg.Fallback = client.ListingsFallback
	return NewEngine(c, cfg)
}

// NewMarketplace returns the engine for the unified marketplace feed. The
// RPC supports both keyset (recency sort) and offset (distance sort)
// paging.
func NewMarketplace(c *cache.Cache, client backend.Client, cfg Config) *Engine {
	cfg.Namespace = NamespaceMarketplace
	cfg.RequiresCoords = true
	cfg.SupportsKeyset = true
	cfg.SupportsOffset = true
	cfg.Geo = func(ctx context.Context, req Request) ([]backend.Item, error) {
		q := backend.MarketplaceQuery{
			UserLat:        req.Coords.Lat,
			UserLng:        req.Coords.Lng,
			MaxDistanceKM:  req.Filters.MaxDistanceKM,
			ItemTypeFilter: req.Filters.ItemType,
			CategoryFilter: req.Filters.Category,
			VerifiedOnly:   req.Filters.VerifiedOnly,
			SearchQuery:    req.Filters.Search,
			SortBy:         string(req.Sort),
			SortOrder:      "desc",
			LimitCount:     req.Limit,
			OffsetCount:    req.Offset,
			LastCreatedAt:  req.LastCreatedAt,
			LastID:         req.LastID,
		}
		return client.MarketplaceItemsWithDistance(ctx, q)
	}
	cfg.Fallback = client.MarketplaceFallback
	return NewEngine(c, cfg)
}

// NewRequests returns the engine for the requests feed, ranked by
// location-hierarchy match rather than coordinates.
func NewRequests(c *cache.Cache, client backend.Client, cfg Config) *Engine {
	cfg.Namespace = NamespaceRequests
	cfg.RequiresCoords = false
	cfg.SupportsKeyset = false
	cfg.SupportsOffset = true
	cfg.Geo = func(ctx context.Context, req Request) ([]backend.Item, error) {
		return client.RequestsHierarchical(ctx, backend.RequestsQuery{
			UserState:      req.Filters.State,
			UserDistrict:   req.Filters.District,
			UserCity:       req.Filters.City,
			CategoryFilter: req.Filters.Category,
			LimitCount:     req.Limit,
			OffsetCount:    req.Offset,
		})
	}
	cfg.Fallback = client.RequestsFallback
	return NewEngine(c, cfg)
}
