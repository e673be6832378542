package ice

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pion/stun"
)

// TURN method numbers. pion/stun only defines the Binding method; the
// Allocate/Refresh/ChannelBind/CreatePermission methods and their
// attributes are TURN's own (RFC 5766/8656) and are not modeled by
// pion/stun, so this package reuses pion/stun's generic Message/Attribute
// framing (Message.Add, raw attribute iteration) to speak them instead of
// taking on a full pion/turn dependency, which would replace the very
// state machine this package exists to implement.
const (
	methodAllocate    stun.Method = 0x003
	methodChannelBind stun.Method = 0x009
)

const (
	attrChannelNumber      stun.AttrType = 0x000C
	attrLifetime           stun.AttrType = 0x000D
	attrXORPeerAddress     stun.AttrType = 0x0012
	attrXORRelayedAddress  stun.AttrType = 0x0016
	attrRequestedTransport stun.AttrType = 0x0019
)

const requestedTransportUDP = 17 // protocol number, per RFC 5766 §14.7

// firstChannelNumber and channelRefreshInterval per the design's TURN
// section: channels start at 0x4000 and are refreshed every 5 minutes
// (half the 10-minute server-side allocation lifetime).
const (
	firstChannelNumber    = 0x4000
	channelRefreshInterval = 5 * time.Minute
)

// ChannelBinding tracks one client-allocated TURN channel number bound to a
// single peer address on a single relay.
type ChannelBinding struct {
	Channel   uint16
	Peer      *net.UDPAddr
	Relay     *net.UDPAddr
	boundAt   time.Time
	confirmed bool
}

func (b *ChannelBinding) needsRefresh(now time.Time) bool {
	return now.Sub(b.boundAt) >= channelRefreshInterval
}

// turnCredentials holds the long-term credential state for one TURN server,
// refreshed from 401/438 error responses per RFC 5766 §10.
type turnCredentials struct {
	username string
	password string
	realm    string
	nonce    string
}

func buildChannelBindRequest(txID [stun.TransactionIDSize]byte, channel uint16, peer *net.UDPAddr, creds turnCredentials) (*stun.Message, error) {
	msg, err := stun.Build(
		stun.NewType(methodChannelBind, stun.ClassRequest),
		stunTransactionID(txID),
	)
	if err != nil {
		return nil, err
	}

	chanBuf := make([]byte, 4)
	binary.BigEndian.PutUint16(chanBuf[0:2], channel)
	msg.Add(attrChannelNumber, chanBuf)
	msg.Add(attrXORPeerAddress, encodeXORAddress(peer, msg.TransactionID))

	addLongTermAuth(msg, creds)

	if err := stun.Fingerprint.AddTo(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func buildAllocateRequest(txID [stun.TransactionIDSize]byte, creds turnCredentials) (*stun.Message, error) {
	msg, err := stun.Build(
		stun.NewType(methodAllocate, stun.ClassRequest),
		stunTransactionID(txID),
	)
	if err != nil {
		return nil, err
	}

	transport := make([]byte, 4)
	transport[0] = requestedTransportUDP
	msg.Add(attrRequestedTransport, transport)

	addLongTermAuth(msg, creds)

	if err := stun.Fingerprint.AddTo(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func addLongTermAuth(msg *stun.Message, creds turnCredentials) {
	if creds.username == "" {
		return
	}
	_ = stun.Username(creds.username).AddTo(msg)
	_ = stun.Realm(creds.realm).AddTo(msg)
	_ = stun.Nonce(creds.nonce).AddTo(msg)
	if creds.password != "" {
		_ = stun.NewLongTermIntegrity(creds.username, creds.realm, creds.password).AddTo(msg)
	}
}

// needsCredentialRetry inspects an error response for CodeUnauthorized (401)
// or CodeStaleNonce (438) and, if found, updates creds in place from the
// response's REALM/NONCE attributes, per the design's "client MUST replay
// the same request with the new NONCE" rule.
func needsCredentialRetry(resp *stun.Message, creds *turnCredentials) bool {
	code, ok := errorCode(resp)
	if !ok {
		return false
	}
	if code != stun.CodeUnauthorized && code != stun.CodeStaleNonce {
		return false
	}

	if realmBytes, ok := readAttr(resp, stun.AttrRealm); ok {
		creds.realm = string(realmBytes)
	}
	if nonceBytes, ok := readAttr(resp, stun.AttrNonce); ok {
		creds.nonce = string(nonceBytes)
	}
	return true
}

func encodeXORAddress(addr *net.UDPAddr, txID [stun.TransactionIDSize]byte) []byte {
	xma := &stun.XORMappedAddress{IP: addr.IP, Port: addr.Port}
	m := &stun.Message{TransactionID: txID}
	if err := xma.AddTo(m); err != nil {
		return nil
	}
	v, _ := readAttr(m, stun.AttrXORMappedAddress)
	return v
}
