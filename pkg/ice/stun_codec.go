package ice

import (
	"net"

	"github.com/pion/stun"
)

// realm is fixed for every TURN long-term credential exchange, per the
// design's STUN/TURN section.
const realm = "firezone"

func buildBindingRequest(txID [stun.TransactionIDSize]byte, username, password string) (*stun.Message, error) {
	setters := []stun.Setter{
		stun.BindingRequest,
		stunTransactionID(txID),
	}
	if username != "" {
		setters = append(setters, stun.Username(username))
	}
	msg, err := stun.Build(setters...)
	if err != nil {
		return nil, err
	}
	if password != "" {
		if err := stun.NewShortTermIntegrity(password).AddTo(msg); err != nil {
			return nil, err
		}
	}
	if err := stun.Fingerprint.AddTo(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func buildBindingResponse(req *stun.Message, from *net.UDPAddr, password string) (*stun.Message, error) {
	msg, err := stun.Build(
		stun.BindingSuccess,
		stunTransactionIDFrom(req),
		&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
	)
	if err != nil {
		return nil, err
	}
	if password != "" {
		if err := stun.NewShortTermIntegrity(password).AddTo(msg); err != nil {
			return nil, err
		}
	}
	if err := stun.Fingerprint.AddTo(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// stunTransactionID is a Setter that installs a caller-chosen transaction ID
// rather than generating a new random one, so responses and retries can be
// correlated deterministically.
type stunTransactionID [stun.TransactionIDSize]byte

func (t stunTransactionID) AddTo(m *stun.Message) error {
	m.TransactionID = t
	m.WriteTransactionID()
	return nil
}

func stunTransactionIDFrom(m *stun.Message) stunTransactionID {
	return stunTransactionID(m.TransactionID)
}

func newTransactionID() [stun.TransactionIDSize]byte {
	var id [stun.TransactionIDSize]byte
	copy(id[:], stun.NewTransactionID()[:])
	return id
}

func decodeSTUN(data []byte) (*stun.Message, bool) {
	if !stun.IsMessage(data) {
		return nil, false
	}
	m := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := m.Decode(); err != nil {
		return nil, false
	}
	return m, true
}

func xorMappedAddress(m *stun.Message) (*net.UDPAddr, bool) {
	var xma stun.XORMappedAddress
	if err := xma.GetFrom(m); err != nil {
		return nil, false
	}
	return &net.UDPAddr{IP: xma.IP, Port: xma.Port}, true
}

func errorCode(m *stun.Message) (stun.ErrorCode, bool) {
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(m); err != nil {
		return 0, false
	}
	return ec.Code, true
}

func readAttr(m *stun.Message, t stun.AttrType) ([]byte, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a.Value, true
		}
	}
	return nil, false
}

// decodeXORAddrAttr decodes a raw attribute that uses the same XOR-address
// encoding as XOR-MAPPED-ADDRESS (i.e. XOR-PEER-ADDRESS, XOR-RELAYED-ADDRESS)
// but under a different attribute number that pion/stun doesn't know about.
// The XOR cipher only depends on the message's transaction ID, not the
// attribute number, so re-tagging the raw bytes as AttrXORMappedAddress on a
// throwaway message lets XORMappedAddress.GetFrom decode it unchanged.
func decodeXORAddrAttr(m *stun.Message, t stun.AttrType) (*net.UDPAddr, bool) {
	raw, ok := readAttr(m, t)
	if !ok {
		return nil, false
	}
	fake := &stun.Message{TransactionID: m.TransactionID}
	fake.Add(stun.AttrXORMappedAddress, raw)
	var xma stun.XORMappedAddress
	if err := xma.GetFrom(fake); err != nil {
		return nil, false
	}
	return &net.UDPAddr{IP: xma.IP, Port: xma.Port}, true
}
