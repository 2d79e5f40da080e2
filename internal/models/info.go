package models

// TurnServer is the relay-assist endpoint handed to peers
type TurnServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// TurnConfigResponse is the body served at /turn-config
type TurnConfigResponse struct {
	TurnServer *TurnServer `json:"turnServer"`
}

// NetworkInfo holds best-effort host addresses used to build join links
type NetworkInfo struct {
	LanIP  string `json:"lanIp"`
	WifiIP string `json:"wifiIp"`
}

// BroadcasterInfo describes one live broadcaster known to the relay
type BroadcasterInfo struct {
	ID      string `json:"id"`
	Viewers int    `json:"viewers"`
}

// JoinLinkResponse is the body served at /join-link
type JoinLinkResponse struct {
	URL string `json:"url"`
}
