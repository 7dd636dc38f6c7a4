// Package status defines the stable, semantic outcome codes returned
// by the Storage API. These are return values, never
// Go errors: a not-found key is an ordinary, expected outcome, not a
// failure of the call.
package status

// Code is a stable outcome code.
type Code int

const (
	// OK indicates success.
	OK Code = iota
	// KeyNotFound indicates the requested key does not exist. The
	// caller's transaction still records what it observed: a range-read
	// entry for the border page, or, when a get lands on a logically
	// deleted record, a read-set entry with that record's owner id.
	KeyNotFound
	// KeyAlreadyExists indicates an insert found the key already
	// present. The existing record is still added to the read set
	//.
	KeyAlreadyExists
	// TooSmallPayloadBuffer indicates the caller's output buffer for
	// get_record was smaller than the stored payload.
	TooSmallPayloadBuffer
	// TooShortPayload indicates an overwrite/get_record_part/increment
	// offset+count exceeded the stored payload length.
	TooShortPayload
	// OutOfPages indicates the page pool was exhausted mid structural
	// modification; fatal for the current transaction, but the
	// structure itself remains consistent.
	OutOfPages
	// Restart is internal only: an operation observed a concurrent
	// structural change and must retry from an earlier point. It is
	// never returned to a caller of the Storage API.
	Restart
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case KeyNotFound:
		return "KEY_NOT_FOUND"
	case KeyAlreadyExists:
		return "KEY_ALREADY_EXISTS"
	case TooSmallPayloadBuffer:
		return "TOO_SMALL_PAYLOAD_BUFFER"
	case TooShortPayload:
		return "TOO_SHORT_PAYLOAD"
	case OutOfPages:
		return "OUT_OF_PAGES"
	case Restart:
		return "RESTART"
	default:
		return "UNKNOWN"
	}
}
