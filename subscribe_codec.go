package fdbus

import "encoding/binary"

// encodeSubscribeItems packs a SubscribeRequest payload: one byte sub-kind
// followed by a count and then (code:int32, type:uint8, topic) per item.
// Spec §4.5 only specifies the semantics of the sub-kind and element list,
// not a wire format, so this is this implementation's own compact encoding.
func encodeSubscribeItems(kind SubscribeKind, items []SubscribeItem) []byte {
	buf := make([]byte, 0, 5+len(items)*16)
	buf = append(buf, byte(kind))
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(items)))
	buf = append(buf, countBuf[:]...)

	for _, it := range items {
		var codeBuf [4]byte
		binary.LittleEndian.PutUint32(codeBuf[:], uint32(it.Code))
		buf = append(buf, codeBuf[:]...)
		buf = append(buf, byte(it.Type))

		var topicLen [4]byte
		binary.LittleEndian.PutUint32(topicLen[:], uint32(len(it.Topic)))
		buf = append(buf, topicLen[:]...)
		buf = append(buf, it.Topic...)
	}
	return buf
}

// decodeSubscribeItems is the inverse of encodeSubscribeItems. Returns
// StatusMsgDecodeFail via a bool on malformed input.
func decodeSubscribeItems(payload []byte) (SubscribeKind, []SubscribeItem, bool) {
	if len(payload) < 5 {
		return 0, nil, false
	}
	kind := SubscribeKind(payload[0])
	off := 1
	count := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4

	items := make([]SubscribeItem, 0, count)
	for i := 0; i < count; i++ {
		if off+4+1+4 > len(payload) {
			return 0, nil, false
		}
		code := int32(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		subType := SubType(payload[off])
		off++
		topicLen := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if topicLen < 0 || off+topicLen > len(payload) {
			return 0, nil, false
		}
		topic := string(payload[off : off+topicLen])
		off += topicLen

		items = append(items, SubscribeItem{Code: code, Topic: topic, Type: subType})
	}
	return kind, items, true
}
