package proto

import "time"

const (
	PresenceTopic = "goopcall.presence.v1"
	MdnsTag       = "goopcall-mdns"

	// libp2p stream protocol ID for the message queue transport
	MQProtoID = "/goop/mq/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

type PresenceMsg struct {
	Type          string   `json:"type"` // online|update|offline
	PeerID        string   `json:"peerId"`
	Label         string   `json:"label,omitempty"`
	CallsDisabled bool     `json:"callsDisabled,omitempty"`
	Addrs         []string `json:"addrs,omitempty"` // multiaddrs for direct dialing
	TS            int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
