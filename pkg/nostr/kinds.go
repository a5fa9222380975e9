package nostr

// Event kinds understood by this client.
const (
	KindDirectMessage = 4
	KindOrder         = 38383
	KindDispute       = 38386
)

func KindName(kind int) string {
	switch kind {
	case KindDirectMessage:
		return "direct-message"
	case KindOrder:
		return "order"
	case KindDispute:
		return "dispute"
	default:
		return "unknown"
	}
}
