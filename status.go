package fdbus

// Status is the outcome carried back to a caller on the Reply/Status path.
// Values are stable on the wire (spec §6) — never renumber an existing one.
type Status int32

const (
	StatusOk Status = iota
	StatusUnableToSend
	StatusTimeout
	StatusPeerVanish
	StatusObjectNotFound
	StatusAuthenticationFail
	StatusMsgDecodeFail
	StatusInvalidId
	StatusUnknown
	StatusAutoReplyOk
	StatusRateLimited
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusUnableToSend:
		return "UnableToSend"
	case StatusTimeout:
		return "Timeout"
	case StatusPeerVanish:
		return "PeerVanish"
	case StatusObjectNotFound:
		return "ObjectNotFound"
	case StatusAuthenticationFail:
		return "AuthenticationFail"
	case StatusMsgDecodeFail:
		return "MsgDecodeFail"
	case StatusInvalidId:
		return "InvalidId"
	case StatusAutoReplyOk:
		return "AutoReplyOk"
	case StatusRateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}
