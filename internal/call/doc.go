// Package call is the peer-to-peer call signaling core: the call state
// machine, the signaling adapter, the duplicate filter, the ICE candidate
// queue, the peer connection wrapper and the timeout supervisor.
//
// Coupling to the rest of goopcall is through the Transport, MediaSource and
// History interfaces only.
package call

import logging "github.com/ipfs/go-log/v2"

var log = logging.Logger("call")

// short trims a peer id for log lines.
func short(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
