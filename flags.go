package fdbus

// Flags is the wire flag bitset carried in every message header. Non-exhaustive
// per spec §6 but the bits that exist are stable — never renumber.
type Flags uint32

const (
	FlagError Flags = 1 << iota
	FlagStatus
	FlagInitialResponse
	FlagEnableLog
	FlagManualUpdate
	FlagNoReplyExpected
	FlagForceUpdate
	FlagPreferUDP
	FlagHeadBuilt
	FlagExternalBuffer
	FlagEndpointRouted
	FlagSyncReply
	FlagAutoReply
	FlagReplied
	FlagDoNotLog
)

// Has reports whether all bits of other are set in f.
func (f Flags) Has(other Flags) bool { return f&other == other }

// Kind tags the variant a Message carries (spec §3, §6).
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRequest
	KindReply
	KindSubscribeRequest
	KindBroadcast
	KindSidebandRequest
	KindSidebandReply
	KindStatus
	KindGetEvent
	KindReturnEvent
	KindPublish
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindReply:
		return "Reply"
	case KindSubscribeRequest:
		return "SubscribeRequest"
	case KindBroadcast:
		return "Broadcast"
	case KindSidebandRequest:
		return "SidebandRequest"
	case KindSidebandReply:
		return "SidebandReply"
	case KindStatus:
		return "Status"
	case KindGetEvent:
		return "GetEvent"
	case KindReturnEvent:
		return "ReturnEvent"
	case KindPublish:
		return "Publish"
	default:
		return "Unknown"
	}
}

// SubscribeKind is the sub-kind carried by a SubscribeRequest message body
// (spec §4.5): Subscribe installs entries, Unsubscribe removes them, Update
// triggers ManualUpdate delivery without touching the registry.
type SubscribeKind uint8

const (
	SubscribeAdd SubscribeKind = iota
	SubscribeRemove
	SubscribeUpdate
)

// SubType distinguishes a Normal subscription entry (fires on every matching
// broadcast) from a ManualUpdate one (fires only on an explicit Update
// sub-kind — see DESIGN.md Open Question 1).
type SubType uint8

const (
	SubNormal SubType = iota
	SubManualUpdate
)

// PrimaryObjectId is the well-known id of the endpoint's own ("primary")
// dispatch object (spec §3, §4.5).
const PrimaryObjectId uint32 = 0

// Well-known name-server codes used by the name-resolution client (spec §6).
const (
	NsCodeAllocServiceAddress int32 = iota + 1
	NsCodeRegisterService
	NsCodeUnregisterService
	NsCodeServiceOnline
	NsCodeMoreAddress
	NsCodeHostInfo
)

// Well-known sideband codes (spec §6).
const (
	SidebandAuthenticationHandshake int32 = iota + 1
	SidebandQueryClient
	SidebandQueryEventCache
	SidebandFeedWatchdog
)
