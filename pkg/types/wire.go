package types

// Wire shapes for the order-book REST endpoint and the market-data WebSocket.
// These structs map 1:1 to the JSON the CLOB endpoints ship. Prices and sizes
// arrive as strings (and occasionally numbers); the book parser coerces them.

// Flex is a numeric wire value that occasionally ships as a JSON string.
type Flex string

// UnmarshalJSON accepts both "0.55" and 0.55.
func (f *Flex) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*f = Flex(s)
	return nil
}

// PriceLevel is a single raw bid or ask level as received on the wire.
type PriceLevel struct {
	Price Flex `json:"price"`
	Size  Flex `json:"size"`
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
}

// WSPriceChange is one per-token entry inside a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is the price_change message from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSBestBidAsk is the best_bid_ask message from the market WS.
type WSBestBidAsk struct {
	EventType string `json:"event_type"` // "best_bid_ask"
	AssetID   string `json:"asset_id"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Timestamp string `json:"timestamp"`
}

// WSBookEntry is one element of the array-form book snapshot some servers
// send at subscribe time.
type WSBookEntry struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSSubscribeMsg is the initial subscription message sent when connecting.
type WSSubscribeMsg struct {
	AssetIDs      []string `json:"assets_ids"`
	Type          string   `json:"type"` // "market"
	CustomFeature bool     `json:"custom_feature_enabled"`
}

// WSUpdateMsg subscribes additional tokens after the initial connection.
type WSUpdateMsg struct {
	AssetIDs      []string `json:"assets_ids"`
	Operation     string   `json:"operation"` // "subscribe"
	CustomFeature bool     `json:"custom_feature_enabled"`
}
