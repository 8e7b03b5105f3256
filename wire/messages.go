package wire

// Field numbers and wire shapes below are fixed for interoperability with
// deployed peers. Hello and the Invite/InviteRequest pair are exchanged
// outside the Packet oneof: Hello once per session at handshake time,
// InviteRequest/Invite over the application-level invite exchange a caller
// arranges itself.

// Hello is the first message exchanged on a new peer connection.
type Hello struct {
	Version uint32
	PeerID  []byte
}

func (m *Hello) Marshal() []byte {
	var buf []byte
	buf = appendUint32Field(buf, 1, m.Version)
	buf = appendBytesField(buf, 2, m.PeerID)
	return buf
}

func (m *Hello) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			m.Version = uint32(v)
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.PeerID = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// LinkTBS is the "to be signed" payload of a Link. ChannelID is never
// transmitted on the wire; callers fill it in locally before
// signing/verifying and must zero it before Marshal.
type LinkTBS struct {
	TrusteePubKey       []byte
	TrusteeDisplayName  string
	ValidFrom           float64
	ValidTo             float64
	ChannelID           []byte // local-only, never marshaled
}

func (m *LinkTBS) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, m.TrusteePubKey)
	buf = appendStringField(buf, 2, m.TrusteeDisplayName)
	buf = appendDoubleField(buf, 3, m.ValidFrom)
	buf = appendDoubleField(buf, 4, m.ValidTo)
	// field 5 (channel_id) intentionally omitted: transported as empty.
	return buf
}

// SigningBytes is the canonical byte sequence signatures cover: identical to
// Marshal except it includes channel_id (field 5), which sender and
// receiver each fill in locally rather than exchange on the wire.
func (m *LinkTBS) SigningBytes() []byte {
	buf := m.Marshal()
	return appendBytesField(buf, 5, m.ChannelID)
}

func (m *LinkTBS) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.TrusteePubKey = append([]byte(nil), b...)
		case 2:
			s, err := d.readString()
			if err != nil {
				return err
			}
			m.TrusteeDisplayName = s
		case 3:
			f, err := d.readDouble()
			if err != nil {
				return err
			}
			m.ValidFrom = f
		case 4:
			f, err := d.readDouble()
			if err != nil {
				return err
			}
			m.ValidTo = f
		case 5:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.ChannelID = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Link is a signed delegation from a channel's current signer to a trustee.
type Link struct {
	TBS       LinkTBS
	Signature []byte
}

func (m *Link) Marshal() []byte {
	var buf []byte
	buf = appendMessageField(buf, 1, m.TBS.Marshal())
	buf = appendBytesField(buf, 2, m.Signature)
	return buf
}

func (m *Link) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			if err := m.TBS.Unmarshal(b); err != nil {
				return err
			}
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Signature = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

func marshalLinks(links []Link) [][]byte {
	out := make([][]byte, len(links))
	for i := range links {
		out[i] = links[i].Marshal()
	}
	return out
}

func appendLinksField(buf []byte, field int, links []Link) []byte {
	for _, m := range marshalLinks(links) {
		buf = appendMessageField(buf, field, m)
	}
	return buf
}

// Invite is the payload a channel member seals to an invitee's box key.
type Invite struct {
	ChannelPubKey []byte
	ChannelName   string
	Chain         []Link
}

func (m *Invite) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, m.ChannelPubKey)
	buf = appendStringField(buf, 2, m.ChannelName)
	buf = appendLinksField(buf, 3, m.Chain)
	return buf
}

func (m *Invite) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.ChannelPubKey = append([]byte(nil), b...)
		case 2:
			s, err := d.readString()
			if err != nil {
				return err
			}
			m.ChannelName = s
		case 3:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			var l Link
			if err := l.Unmarshal(b); err != nil {
				return err
			}
			m.Chain = append(m.Chain, l)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// EncryptedInvite transports a sealed Invite, addressed by request_id.
type EncryptedInvite struct {
	RequestID []byte
	Box       []byte
}

func (m *EncryptedInvite) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, m.RequestID)
	buf = appendBytesField(buf, 2, m.Box)
	return buf
}

func (m *EncryptedInvite) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.RequestID = append([]byte(nil), b...)
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Box = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// InviteRequest advertises a fresh box key to an inviter.
type InviteRequest struct {
	PeerID        []byte
	TrusteePubKey []byte
	BoxPubKey     []byte
}

func (m *InviteRequest) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, m.PeerID)
	buf = appendBytesField(buf, 2, m.TrusteePubKey)
	buf = appendBytesField(buf, 3, m.BoxPubKey)
	return buf
}

func (m *InviteRequest) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.PeerID = append([]byte(nil), b...)
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.TrusteePubKey = append([]byte(nil), b...)
		case 3:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.BoxPubKey = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// ChannelMessageBody is the oneof{Root, json} body of a channel message.
// IsRoot distinguishes the zero-value Root{} case from an empty JSON string.
type ChannelMessageBody struct {
	IsRoot bool
	JSON   string
}

func (m *ChannelMessageBody) Marshal() []byte {
	var buf []byte
	if m.IsRoot {
		// Root{} is an empty embedded message; its presence alone is the
		// signal, so an empty length-delimited value is written.
		buf = appendTag(buf, 1, wireLenDelim)
		buf = appendVarint(buf, 0)
		return buf
	}
	buf = appendStringField(buf, 2, m.JSON)
	return buf
}

func (m *ChannelMessageBody) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			if _, err := d.readBytes(); err != nil {
				return err
			}
			m.IsRoot = true
		case 2:
			s, err := d.readString()
			if err != nil {
				return err
			}
			m.JSON = s
			m.IsRoot = false
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// ChannelMessageTBS is the "to be signed" payload of a channel message.
type ChannelMessageTBS struct {
	Parents   [][]byte
	Height    int64
	Chain     []Link
	Timestamp float64
	Body      ChannelMessageBody
}

func (m *ChannelMessageTBS) Marshal() []byte {
	var buf []byte
	for _, p := range m.Parents {
		buf = appendBytesField(buf, 1, p)
	}
	buf = appendInt64Field(buf, 2, m.Height)
	buf = appendLinksField(buf, 3, m.Chain)
	buf = appendDoubleField(buf, 4, m.Timestamp)
	buf = appendMessageField(buf, 5, m.Body.Marshal())
	return buf
}

func (m *ChannelMessageTBS) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Parents = append(m.Parents, append([]byte(nil), b...))
		case 2:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			m.Height = int64(v)
		case 3:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			var l Link
			if err := l.Unmarshal(b); err != nil {
				return err
			}
			m.Chain = append(m.Chain, l)
		case 4:
			f, err := d.readDouble()
			if err != nil {
				return err
			}
			m.Timestamp = f
		case 5:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			if err := m.Body.Unmarshal(b); err != nil {
				return err
			}
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// ChannelMessage is a signed channel message as it appears inside Content.
type ChannelMessage struct {
	TBS       ChannelMessageTBS
	Signature []byte
	// Nonce carries the at-rest SerializedMessage's encryption nonce when a
	// ChannelMessage travels inside a BulkResponse. The channel's content
	// encryption (message.Encrypt) picks nonces at random, so a message's
	// hash is stable only for the exact ciphertext the author produced; a
	// receiver reconstructing the message from its decrypted TBS/Signature
	// must re-seal under this same nonce to land on the author's hash
	// (message.FromChannelMessageWire). Unset (empty) outside that path.
	Nonce []byte
}

func (m *ChannelMessage) Marshal() []byte {
	var buf []byte
	buf = appendMessageField(buf, 1, m.TBS.Marshal())
	buf = appendBytesField(buf, 2, m.Signature)
	buf = appendBytesField(buf, 3, m.Nonce)
	return buf
}

func (m *ChannelMessage) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			if err := m.TBS.Unmarshal(b); err != nil {
				return err
			}
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Signature = append([]byte(nil), b...)
		case 3:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Nonce = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// SerializedMessage is a message's on-disk/storage-adapter form.
type SerializedMessage struct {
	ChannelID        []byte
	Parents          [][]byte
	Height           int64
	Nonce            []byte
	EncryptedContent []byte
}

func (m *SerializedMessage) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, m.ChannelID)
	for _, p := range m.Parents {
		buf = appendBytesField(buf, 2, p)
	}
	buf = appendInt64Field(buf, 3, m.Height)
	buf = appendBytesField(buf, 4, m.Nonce)
	buf = appendBytesField(buf, 5, m.EncryptedContent)
	return buf
}

func (m *SerializedMessage) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.ChannelID = append([]byte(nil), b...)
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Parents = append(m.Parents, append([]byte(nil), b...))
		case 3:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			m.Height = int64(v)
		case 4:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Nonce = append([]byte(nil), b...)
		case 5:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.EncryptedContent = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Query requests abbreviated messages starting at cursor (oneof height/hash).
type Query struct {
	CursorHeight   *int64
	CursorHash     []byte
	IsBackward     bool
	Limit          uint32
}

func (m *Query) Marshal() []byte {
	var buf []byte
	// The cursor is a oneof: a selected height of 0 (full sync's starting
	// point) must still travel, so the field is written unconditionally
	// rather than through the zero-skipping helpers.
	if m.CursorHeight != nil {
		buf = appendTag(buf, 1, wireVarint)
		buf = appendVarint(buf, uint64(*m.CursorHeight))
	} else if m.CursorHash != nil {
		buf = appendBytesField(buf, 2, m.CursorHash)
	}
	buf = appendBoolField(buf, 3, m.IsBackward)
	buf = appendUint32Field(buf, 4, m.Limit)
	return buf
}

func (m *Query) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			h := int64(v)
			m.CursorHeight = &h
			m.CursorHash = nil
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.CursorHash = append([]byte(nil), b...)
			m.CursorHeight = nil
		case 3:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			m.IsBackward = v != 0
		case 4:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			m.Limit = uint32(v)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Abbreviated is a {parents, hash} pair used for DAG-shape discovery.
type Abbreviated struct {
	Parents [][]byte
	Hash    []byte
}

func (m *Abbreviated) Marshal() []byte {
	var buf []byte
	for _, p := range m.Parents {
		buf = appendBytesField(buf, 1, p)
	}
	buf = appendBytesField(buf, 2, m.Hash)
	return buf
}

func (m *Abbreviated) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Parents = append(m.Parents, append([]byte(nil), b...))
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Hash = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// QueryResponse is the response to a Query.
type QueryResponse struct {
	AbbreviatedMessages []Abbreviated
	ForwardHash         []byte
	BackwardHash        []byte
}

func (m *QueryResponse) Marshal() []byte {
	var buf []byte
	for i := range m.AbbreviatedMessages {
		buf = appendMessageField(buf, 1, m.AbbreviatedMessages[i].Marshal())
	}
	buf = appendBytesField(buf, 2, m.ForwardHash)
	buf = appendBytesField(buf, 3, m.BackwardHash)
	return buf
}

func (m *QueryResponse) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			var a Abbreviated
			if err := a.Unmarshal(b); err != nil {
				return err
			}
			m.AbbreviatedMessages = append(m.AbbreviatedMessages, a)
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.ForwardHash = append([]byte(nil), b...)
		case 3:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.BackwardHash = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bulk requests the full messages for a set of hashes.
type Bulk struct {
	Hashes [][]byte
}

func (m *Bulk) Marshal() []byte {
	var buf []byte
	for _, h := range m.Hashes {
		buf = appendBytesField(buf, 1, h)
	}
	return buf
}

func (m *Bulk) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Hashes = append(m.Hashes, append([]byte(nil), b...))
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// BulkResponse is the response to a Bulk request.
type BulkResponse struct {
	Messages     []ChannelMessage
	ForwardIndex uint32
}

func (m *BulkResponse) Marshal() []byte {
	var buf []byte
	for i := range m.Messages {
		buf = appendMessageField(buf, 1, m.Messages[i].Marshal())
	}
	buf = appendUint32Field(buf, 2, m.ForwardIndex)
	return buf
}

func (m *BulkResponse) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			var cm ChannelMessage
			if err := cm.Unmarshal(b); err != nil {
				return err
			}
			m.Messages = append(m.Messages, cm)
		case 2:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			m.ForwardIndex = uint32(v)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncRequestContent is the inner oneof{Query, Bulk} sealed inside a
// SyncRequest's box: the outer envelope carries only {channel_id, seq,
// nonce, box}, with the actual request sealed as content.
type SyncRequestContent struct {
	Query *Query
	Bulk  *Bulk

	// RequesterChain/RequesterSignature authenticate the agent issuing the
	// request to the responder: the responder walks RequesterChain against
	// the channel's root key to obtain a leaf key, then verifies
	// RequesterSignature over (RequesterChain, RequesterTimestamp, the
	// marshaled Query or Bulk). This is how a SyncAgent signs each request
	// "by the agent's identity-chain for the channel" once the
	// chain itself travels inside the sealed content rather than the outer
	// envelope.
	RequesterChain     []Link
	RequesterTimestamp float64
	RequesterSignature []byte
}

func (m *SyncRequestContent) Marshal() []byte {
	var buf []byte
	switch {
	case m.Query != nil:
		buf = appendOneofField(buf, 1, m.Query.Marshal())
	case m.Bulk != nil:
		buf = appendOneofField(buf, 2, m.Bulk.Marshal())
	}
	buf = appendLinksField(buf, 3, m.RequesterChain)
	buf = appendDoubleField(buf, 4, m.RequesterTimestamp)
	buf = appendBytesField(buf, 5, m.RequesterSignature)
	return buf
}

// SigningBytes returns the bytes RequesterSignature is computed over: the
// requester's chain, its timestamp, and the marshaled Query or Bulk.
func (m *SyncRequestContent) SigningBytes() []byte {
	var buf []byte
	buf = appendLinksField(buf, 1, m.RequesterChain)
	buf = appendDoubleField(buf, 2, m.RequesterTimestamp)
	switch {
	case m.Query != nil:
		buf = appendOneofField(buf, 3, m.Query.Marshal())
	case m.Bulk != nil:
		buf = appendOneofField(buf, 4, m.Bulk.Marshal())
	}
	return buf
}

func (m *SyncRequestContent) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Query = &Query{}
			if err := m.Query.Unmarshal(b); err != nil {
				return err
			}
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Bulk = &Bulk{}
			if err := m.Bulk.Unmarshal(b); err != nil {
				return err
			}
		case 3:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			var l Link
			if err := l.Unmarshal(b); err != nil {
				return err
			}
			m.RequesterChain = append(m.RequesterChain, l)
		case 4:
			f, err := d.readDouble()
			if err != nil {
				return err
			}
			m.RequesterTimestamp = f
		case 5:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.RequesterSignature = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncResponseContent is the inner oneof{QueryResponse, BulkResponse} sealed
// inside a SyncResponse's box.
type SyncResponseContent struct {
	QueryResponse *QueryResponse
	BulkResponse  *BulkResponse
}

func (m *SyncResponseContent) Marshal() []byte {
	var buf []byte
	switch {
	case m.QueryResponse != nil:
		buf = appendOneofField(buf, 1, m.QueryResponse.Marshal())
	case m.BulkResponse != nil:
		buf = appendOneofField(buf, 2, m.BulkResponse.Marshal())
	}
	return buf
}

func (m *SyncResponseContent) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.QueryResponse = &QueryResponse{}
			if err := m.QueryResponse.Unmarshal(b); err != nil {
				return err
			}
		case 2:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.BulkResponse = &BulkResponse{}
			if err := m.BulkResponse.Unmarshal(b); err != nil {
				return err
			}
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncRequest carries a sealed Query or Bulk addressed to channel_id.
type SyncRequest struct {
	ChannelID []byte
	Seq       uint32
	Nonce     []byte
	Box       []byte
}

func (m *SyncRequest) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, m.ChannelID)
	buf = appendUint32Field(buf, 2, m.Seq)
	buf = appendBytesField(buf, 3, m.Nonce)
	buf = appendBytesField(buf, 4, m.Box)
	return buf
}

func (m *SyncRequest) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.ChannelID = append([]byte(nil), b...)
		case 2:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			m.Seq = uint32(v)
		case 3:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Nonce = append([]byte(nil), b...)
		case 4:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Box = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncResponse carries a sealed QueryResponse or BulkResponse. Unlike
// SyncRequest, the wire schema gives it no nonce field, so the 24-byte
// secretbox nonce is prefixed onto Box — the same prefix convention
// pcrypto's sealed box uses for the ephemeral public key.
type SyncResponse struct {
	ChannelID []byte
	Seq       uint32
	Box       []byte
}

func (m *SyncResponse) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, m.ChannelID)
	buf = appendUint32Field(buf, 2, m.Seq)
	buf = appendBytesField(buf, 3, m.Box)
	return buf
}

func (m *SyncResponse) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.ChannelID = append([]byte(nil), b...)
		case 2:
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			m.Seq = uint32(v)
		case 3:
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.Box = append([]byte(nil), b...)
		default:
			if err := d.skip(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Notification tells a peer it should re-synchronize a channel.
type Notification struct {
	ChannelID []byte
}

func (m *Notification) Marshal() []byte {
	return appendBytesField(nil, 1, m.ChannelID)
}

func (m *Notification) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		if field == 1 {
			b, err := d.readBytes()
			if err != nil {
				return err
			}
			m.ChannelID = append([]byte(nil), b...)
			continue
		}
		if err := d.skip(wt); err != nil {
			return err
		}
	}
	return nil
}

// Error carries a diagnostic reason truncated to MaxErrorReasonLen bytes.
type Error struct {
	Reason string
}

func (m *Error) Marshal() []byte {
	return appendStringField(nil, 1, m.Reason)
}

func (m *Error) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		if field == 1 {
			s, err := d.readString()
			if err != nil {
				return err
			}
			m.Reason = s
			continue
		}
		if err := d.skip(wt); err != nil {
			return err
		}
	}
	return nil
}

// Ping/Pong carry a liveness sequence number.
type Ping struct{ Seq uint32 }
type Pong struct{ Seq uint32 }

func (m *Ping) Marshal() []byte { return appendUint32Field(nil, 1, m.Seq) }
func (m *Pong) Marshal() []byte { return appendUint32Field(nil, 1, m.Seq) }

func (m *Ping) Unmarshal(data []byte) error { return unmarshalSeq(data, &m.Seq) }
func (m *Pong) Unmarshal(data []byte) error { return unmarshalSeq(data, &m.Seq) }

func unmarshalSeq(data []byte, seq *uint32) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		if field == 1 {
			v, err := d.readVarint()
			if err != nil {
				return err
			}
			*seq = uint32(v)
			continue
		}
		if err := d.skip(wt); err != nil {
			return err
		}
	}
	return nil
}

// Packet is the top-level oneof dispatched by the peer session loop.
type Packet struct {
	Error           *Error
	EncryptedInvite *EncryptedInvite
	SyncRequest     *SyncRequest
	SyncResponse    *SyncResponse
	Notification    *Notification
	Ping            *Ping
	Pong            *Pong
}

func (m *Packet) Marshal() []byte {
	var buf []byte
	switch {
	case m.Error != nil:
		buf = appendOneofField(buf, 1, m.Error.Marshal())
	case m.EncryptedInvite != nil:
		buf = appendOneofField(buf, 2, m.EncryptedInvite.Marshal())
	case m.SyncRequest != nil:
		buf = appendOneofField(buf, 3, m.SyncRequest.Marshal())
	case m.SyncResponse != nil:
		buf = appendOneofField(buf, 4, m.SyncResponse.Marshal())
	case m.Notification != nil:
		buf = appendOneofField(buf, 5, m.Notification.Marshal())
	case m.Ping != nil:
		buf = appendOneofField(buf, 6, m.Ping.Marshal())
	case m.Pong != nil:
		buf = appendOneofField(buf, 7, m.Pong.Marshal())
	}
	return buf
}

func (m *Packet) Unmarshal(data []byte) error {
	d := newDecoder(data)
	for !d.done() {
		field, wt, err := d.next()
		if err != nil {
			return err
		}
		var b []byte
		if wt == wireLenDelim {
			b, err = d.readBytes()
			if err != nil {
				return err
			}
		}
		switch field {
		case 1:
			m.Error = &Error{}
			if err := m.Error.Unmarshal(b); err != nil {
				return err
			}
		case 2:
			m.EncryptedInvite = &EncryptedInvite{}
			if err := m.EncryptedInvite.Unmarshal(b); err != nil {
				return err
			}
		case 3:
			m.SyncRequest = &SyncRequest{}
			if err := m.SyncRequest.Unmarshal(b); err != nil {
				return err
			}
		case 4:
			m.SyncResponse = &SyncResponse{}
			if err := m.SyncResponse.Unmarshal(b); err != nil {
				return err
			}
		case 5:
			m.Notification = &Notification{}
			if err := m.Notification.Unmarshal(b); err != nil {
				return err
			}
		case 6:
			m.Ping = &Ping{}
			if err := m.Ping.Unmarshal(b); err != nil {
				return err
			}
		case 7:
			m.Pong = &Pong{}
			if err := m.Pong.Unmarshal(b); err != nil {
				return err
			}
		default:
			// Length-delimited payloads were already consumed above.
			if wt != wireLenDelim {
				if err := d.skip(wt); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
