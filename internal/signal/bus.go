package signal

// Bus is the only surface the call engine needs from the signaling layer.
// The relay addresses events per user id; Send routes an outbound event to
// the peer named in its to_id field, Subscribe delivers inbound events for
// this user. Delivery is at-least-once and ordered per direction; nothing is
// guaranteed across the two directions.
type Bus interface {
	Send(ev Event) error
	Subscribe() (ch chan Event, cancel func())
}
