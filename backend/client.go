package backend

import "context"

// Client is the consumed backend surface. The read RPCs return rows that
// include distance_km when coordinates were provided; each has a documented
// plain-query fallback used when the RPC errors. Write endpoints are
// invoked by the mutation queue handlers; a serverless function performs
// push delivery once the write lands, outside this library.
type Client interface {
	// Geospatial reads.
	ListingsWithDistance(ctx context.Context, q ListingsQuery) ([]Item, error)
	MarketplaceItemsWithDistance(ctx context.Context, q MarketplaceQuery) ([]Item, error)
	RequestsHierarchical(ctx context.Context, q RequestsQuery) ([]Item, error)

	// Plain-query fallbacks (filtered select, created_at desc, offset).
	ListingsFallback(ctx context.Context, q FallbackQuery) ([]Item, error)
	MarketplaceFallback(ctx context.Context, q FallbackQuery) ([]Item, error)
	RequestsFallback(ctx context.Context, q FallbackQuery) ([]Item, error)

	// Writes.
	CreateListing(ctx context.Context, draft ListingDraft) error
	UpdateListing(ctx context.Context, id string, patch ListingPatch) error
	DeleteListing(ctx context.Context, id string) error
	CreateRequest(ctx context.Context, draft RequestDraft) error
	UpdateRequest(ctx context.Context, id string, patch RequestPatch) error
	SendMessage(ctx context.Context, draft MessageDraft) error
	SendPing(ctx context.Context, draft PingDraft) error
	CreateChatFromPing(ctx context.Context, pingID string) (chatID string, err error)
	UpdateProfile(ctx context.Context, patch ProfilePatch) error
	UploadAttachment(ctx context.Context, upload Upload) error
}
