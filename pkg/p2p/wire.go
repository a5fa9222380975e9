package p2p

import (
	"encoding/json"
	"io"

	"github.com/uhyunpark/relaytrade/pkg/nostr"
)

// SyncRequest asks a peer for the stored events matching Filter.
type SyncRequest struct {
	Filter nostr.Filter `json:"filter"`
}

func encodeEvent(ev nostr.Event) ([]byte, error) { return json.Marshal(ev) }

func decodeEvent(b []byte) (nostr.Event, error) {
	var ev nostr.Event
	err := json.Unmarshal(b, &ev)
	return ev, err
}

// readEvents decodes a stream of JSON events until EOF.
func readEvents(r io.Reader, fn func(nostr.Event)) error {
	dec := json.NewDecoder(r)
	for {
		var ev nostr.Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		fn(ev)
	}
}
