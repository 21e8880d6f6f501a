// Package backend defines the consumed backend surface: the geospatial read
// RPCs with their plain-query fallbacks, and the per-type write endpoints
// used by the mutation queue handlers. The backend schema and stored
// procedures are black boxes owned elsewhere; this package only shapes the
// wire calls.
package backend

import "time"

// Item is one row of a paged list result: a listing, a request, or a
// unified marketplace row. Within any merged client-side page list, ID is
// unique.
type Item struct {
	ID          string     `json:"id"`
	Type        string     `json:"item_type,omitempty"` // "listing" or "request" in unified rows
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	OwnerID     string     `json:"owner_id,omitempty"`
	Verified    bool       `json:"verified,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	DistanceKM  *float64   `json:"distance_km,omitempty"`
	State       string     `json:"state,omitempty"`
	District    string     `json:"district,omitempty"`
	City        string     `json:"city,omitempty"`
	PriceCents  int64      `json:"price_cents,omitempty"`
	ImageURLs   []string   `json:"image_urls,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// ListingsQuery parameterizes the get_listings_with_distance RPC.
type ListingsQuery struct {
	UserLat       float64 `json:"user_lat"`
	UserLng       float64 `json:"user_lng"`
	PageNum       int     `json:"page_num"`
	PageSize      int     `json:"page_size"`
	MaxDistanceKM float64 `json:"max_distance_km"`
}

// MarketplaceQuery parameterizes get_marketplace_items_with_distance.
// Keyset paging is requested by setting LastCreatedAt/LastID; offset paging
// by OffsetCount. The two are mutually exclusive.
type MarketplaceQuery struct {
	UserLat        float64    `json:"user_lat"`
	UserLng        float64    `json:"user_lng"`
	MaxDistanceKM  float64    `json:"max_distance_km"`
	ItemTypeFilter string     `json:"item_type_filter,omitempty"`
	CategoryFilter string     `json:"category_filter,omitempty"`
	VerifiedOnly   bool       `json:"verified_only"`
	SearchQuery    string     `json:"search_query,omitempty"`
	SortBy         string     `json:"sort_by"`    // "recency" or "distance"
	SortOrder      string     `json:"sort_order"` // "asc" or "desc"
	LimitCount     int        `json:"limit_count"`
	OffsetCount    int        `json:"offset_count"`
	LastCreatedAt  *time.Time `json:"last_created_at,omitempty"`
	LastID         string     `json:"last_id,omitempty"`
}

// RequestsQuery parameterizes get_requests_hierarchical, which ranks rows
// by how closely their location matches the user's state/district/city.
type RequestsQuery struct {
	UserState      string `json:"user_state"`
	UserDistrict   string `json:"user_district"`
	UserCity       string `json:"user_city"`
	CategoryFilter string `json:"category_filter,omitempty"`
	LimitCount     int    `json:"limit_count"`
	OffsetCount    int    `json:"offset_count"`
}

// FallbackQuery parameterizes the plain indexed query used when a
// geospatial RPC errors or no coordinates are available: filtered select,
// ordered by created_at descending, offset-paged.
type FallbackQuery struct {
	Category     string
	VerifiedOnly bool
	Search       string
	Limit        int
	Offset       int
}

// ListingDraft is the payload for creating a listing.
type ListingDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	PriceCents  int64    `json:"price_cents,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	ImageURLs   []string `json:"image_urls,omitempty"`
}

// ListingPatch carries partial listing updates; nil fields are untouched.
type ListingPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	PriceCents  *int64  `json:"price_cents,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

// RequestDraft is the payload for creating a request.
type RequestDraft struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	State       string `json:"state,omitempty"`
	District    string `json:"district,omitempty"`
	City        string `json:"city,omitempty"`
}

// RequestPatch carries partial request updates; nil fields are untouched.
type RequestPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	Open        *bool   `json:"open,omitempty"`
}

// MessageDraft is an outgoing chat message.
type MessageDraft struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// PingDraft is an outgoing ping against a listing. ID is client-generated
// so follow-up calls (chat creation) can reference the ping before any
// server response has been seen.
type PingDraft struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	Message   string `json:"message,omitempty"`
}

// ProfilePatch carries partial profile updates; nil fields are untouched.
type ProfilePatch struct {
	DisplayName *string `json:"display_name,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	State       *string `json:"state,omitempty"`
	District    *string `json:"district,omitempty"`
	City        *string `json:"city,omitempty"`
}

// Upload is a deferred attachment upload.
type Upload struct {
	Bucket      string `json:"bucket"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}
