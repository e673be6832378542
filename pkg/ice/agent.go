package ice

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"time"

	"github.com/pion/stun"
)

// Credentials are the ICE short-term username-fragment/password pair
// exchanged out of band (via the control-plane collaborator) before
// connectivity checks can begin.
type Credentials struct {
	Ufrag    string
	Password string
}

func generateCredentials() Credentials {
	ufrag := randomToken(8)
	pwd := randomToken(24)
	return Credentials{Ufrag: ufrag, Password: pwd}
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// ConnState mirrors the coarse connectivity states the design's
// IceConnectionStateChange event carries.
type ConnState int

const (
	StateNew ConnState = iota
	StateChecking
	StateConnected
	StateFailed
)

// EventKind discriminates the Event union PollEvent yields.
type EventKind int

const (
	EventConnectionStateChange EventKind = iota
	EventDiscoveredRecv
	EventNominatedSend
	EventConnectionFailed
)

type Event struct {
	Kind        EventKind
	State       ConnState
	Source      *net.UDPAddr
	Destination *net.UDPAddr
}

// Transmit is one datagram the agent wants sent from the local socket.
type Transmit struct {
	Dst     *net.UDPAddr
	Payload []byte
}

type pendingCheck struct {
	txID  [stun.TransactionIDSize]byte
	local Candidate
	peer  Candidate
}

// stunRefreshInterval is how often a server-reflexive binding request is
// re-sent to each configured STUN server, per the design's "one request
// every 60s per configured STUN server" rule.
const stunRefreshInterval = 60 * time.Second

// bindingCheckInterval is the minimum age of a candidate pair's lastCheck
// timestamp before HandleTimeout refreshes it. Connectivity checks are not
// resent: each pair is checked once, when formPairs first sees it.
const bindingCheckInterval = 500 * time.Millisecond

// Agent is a single-threaded, sans-IO ICE agent: it never performs socket
// IO itself, only classifies inbound datagrams and produces outbound ones
// via PollTransmit, mirroring the design's IceAgent.
type Agent struct {
	controlling bool
	local       Credentials
	remote      Credentials
	haveRemote  bool

	localCandidates  []Candidate
	remoteCandidates []Candidate

	stunServers []*net.UDPAddr
	turnServers []*net.UDPAddr

	stunLastSent map[string]time.Time
	stunTxToSrvr map[[stun.TransactionIDSize]byte]*net.UDPAddr

	checks    map[[stun.TransactionIDSize]byte]pendingCheck
	lastCheck map[string]time.Time // keyed by "local|remote" pair

	channelBindings map[string]*ChannelBinding // keyed by peer address string
	turnCreds       map[string]*turnCredentials
	turnUsername    string
	turnPassword    string
	nextChannel     uint16
	pendingAllocs   map[[stun.TransactionIDSize]byte]*net.UDPAddr // txID -> relay server
	relayAddrs      map[string]*net.UDPAddr                       // relay server -> our allocated relayed addr

	state        ConnState
	remoteSocket *net.UDPAddr

	transmits []Transmit
	events    []Event
}

// NewAgent returns a new agent in the given controlling role, per the
// design's client-is-controlling / gateway-is-controlled split.
func NewAgent(controlling bool, stunServers, turnServers []*net.UDPAddr) *Agent {
	return &Agent{
		controlling:     controlling,
		local:           generateCredentials(),
		stunServers:     stunServers,
		turnServers:     turnServers,
		stunLastSent:    make(map[string]time.Time),
		stunTxToSrvr:    make(map[[stun.TransactionIDSize]byte]*net.UDPAddr),
		checks:          make(map[[stun.TransactionIDSize]byte]pendingCheck),
		lastCheck:       make(map[string]time.Time),
		channelBindings: make(map[string]*ChannelBinding),
		turnCreds:       make(map[string]*turnCredentials),
		nextChannel:     firstChannelNumber,
		pendingAllocs:   make(map[[stun.TransactionIDSize]byte]*net.UDPAddr),
		relayAddrs:      make(map[string]*net.UDPAddr),
		state:           StateNew,
	}
}

// SetTurnCredentials installs the long-term TURN username/password the
// control-plane collaborator obtained out of band (e.g. from the portal's
// TURN credential endpoint), per spec §4.6's long-term-credentials
// mechanism. It updates every credential set already tracked for this
// agent's TURN servers in place, so an Allocate/ChannelBind request already
// queued under empty credentials retries with real ones as soon as the
// server's 401/438 response triggers needsCredentialRetry, and any request
// built after this call carries MESSAGE-INTEGRITY from the start.
func (a *Agent) SetTurnCredentials(username, password string) {
	a.turnUsername = username
	a.turnPassword = password
	for _, creds := range a.turnCreds {
		creds.username = username
		creds.password = password
	}
}

// turnCredsFor returns the credential set tracked for relay, lazily
// creating one (seeded with whatever SetTurnCredentials last installed) on
// first use.
func (a *Agent) turnCredsFor(relay *net.UDPAddr) *turnCredentials {
	key := relay.String()
	creds, ok := a.turnCreds[key]
	if !ok {
		creds = &turnCredentials{realm: realm, username: a.turnUsername, password: a.turnPassword}
		a.turnCreds[key] = creds
	}
	return creds
}

// RequestAllocation sends a TURN Allocate request to relay, requesting a
// relayed transport address we can hand out as a Relay candidate.
func (a *Agent) RequestAllocation(relay *net.UDPAddr) {
	creds := a.turnCredsFor(relay)

	txID := newTransactionID()
	req, err := buildAllocateRequest(txID, *creds)
	if err != nil {
		return
	}
	a.pendingAllocs[txID] = relay
	a.transmits = append(a.transmits, Transmit{Dst: relay, Payload: req.Raw})
}

func (a *Agent) LocalCredentials() Credentials { return a.local }

func (a *Agent) SetRemoteCredentials(c Credentials) {
	a.remote = c
	a.haveRemote = true
}

// AddLocalCandidate registers a local candidate, returning true if it is new.
func (a *Agent) AddLocalCandidate(c Candidate) bool {
	for _, existing := range a.localCandidates {
		if existing.equal(c) {
			return false
		}
	}
	a.localCandidates = append(a.localCandidates, c)
	a.formPairs()
	return true
}

// AddRemoteCandidate registers a candidate the peer advertised.
func (a *Agent) AddRemoteCandidate(c Candidate) {
	for _, existing := range a.remoteCandidates {
		if existing.equal(c) {
			return
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	a.formPairs()
}

func (a *Agent) RemoteCandidates() []Candidate { return a.remoteCandidates }

func pairKey(local, remote Candidate) string {
	return local.Addr.String() + "|" + remote.Addr.String()
}

// formPairs queues a connectivity check for every local/remote candidate
// combination that hasn't been checked yet.
func (a *Agent) formPairs() {
	if !a.haveRemote {
		return
	}
	for _, local := range a.localCandidates {
		for _, remote := range a.remoteCandidates {
			key := pairKey(local, remote)
			if _, done := a.lastCheck[key]; done {
				continue
			}
			a.sendCheck(local, remote)
		}
	}
}

func (a *Agent) sendCheck(local, remote Candidate) {
	txID := newTransactionID()
	req, err := buildBindingRequest(txID, a.remote.Ufrag+":"+a.local.Ufrag, a.remote.Password)
	if err != nil {
		return
	}
	a.checks[txID] = pendingCheck{txID: txID, local: local, peer: remote}
	a.lastCheck[pairKey(local, remote)] = time.Time{} // marks "attempted", refreshed by HandleTimeout
	a.transmits = append(a.transmits, Transmit{Dst: remote.Addr, Payload: req.Raw})
	if a.state == StateNew {
		a.state = StateChecking
		a.events = append(a.events, Event{Kind: EventConnectionStateChange, State: StateChecking})
	}
}

// PollTransmit returns the next queued outbound datagram, if any.
func (a *Agent) PollTransmit() (Transmit, bool) {
	if len(a.transmits) == 0 {
		return Transmit{}, false
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return t, true
}

// PollEvent returns the next queued event, if any.
func (a *Agent) PollEvent() (Event, bool) {
	if len(a.events) == 0 {
		return Event{}, false
	}
	e := a.events[0]
	a.events = a.events[1:]
	return e, true
}

// HandlePacket classifies an inbound datagram as STUN traffic and feeds it
// through the agent; it returns false for anything else (channel-data or
// WireGuard ciphertext), leaving it for the caller to forward on.
func (a *Agent) HandlePacket(from *net.UDPAddr, data []byte, now time.Time) bool {
	msg, ok := decodeSTUN(data)
	if !ok {
		return false
	}

	switch {
	case msg.Type == stun.BindingRequest:
		a.handleBindingRequest(from, msg)
	case msg.Type == stun.BindingSuccess:
		a.handleBindingSuccess(from, msg)
	case msg.Type.Method == methodAllocate && msg.Type.Class == stun.ClassSuccessResponse:
		a.handleAllocateSuccess(from, msg)
	case msg.Type.Method == methodChannelBind && msg.Type.Class == stun.ClassSuccessResponse:
		a.handleChannelBindSuccess(from, msg)
	case msg.Type.Method == methodAllocate && msg.Type.Class == stun.ClassErrorResponse:
		a.handleAllocateError(from, msg)
	case msg.Type.Method == methodChannelBind && msg.Type.Class == stun.ClassErrorResponse:
		a.handleChannelBindError(from, msg, now)
	case msg.Type.Class == stun.ClassErrorResponse:
		a.handleBindingError(from, msg)
	}
	return true
}

func (a *Agent) handleChannelBindSuccess(from *net.UDPAddr, resp *stun.Message) {
	for _, binding := range a.channelBindings {
		if binding.Relay.String() == from.String() {
			binding.confirmed = true
		}
	}
}

func (a *Agent) handleChannelBindError(from *net.UDPAddr, resp *stun.Message, now time.Time) {
	creds := a.turnCredsFor(from)
	if !needsCredentialRetry(resp, creds) {
		return
	}
	for _, binding := range a.channelBindings {
		if binding.Relay.String() == from.String() && !binding.confirmed {
			a.sendChannelBind(binding, *creds, now)
		}
	}
}

func (a *Agent) handleAllocateSuccess(from *net.UDPAddr, resp *stun.Message) {
	relay, ok := a.pendingAllocs[resp.TransactionID]
	if !ok {
		return
	}
	delete(a.pendingAllocs, resp.TransactionID)

	relayed, ok := decodeXORAddrAttr(resp, attrXORRelayedAddress)
	if !ok {
		return
	}
	a.relayAddrs[relay.String()] = relayed
	if a.AddLocalCandidate(RelayCandidate(relayed, relay)) {
		a.events = append(a.events, Event{Kind: EventDiscoveredRecv, Source: relayed})
	}
}

func (a *Agent) handleAllocateError(from *net.UDPAddr, resp *stun.Message) {
	relay, ok := a.pendingAllocs[resp.TransactionID]
	if !ok {
		return
	}

	creds := a.turnCredsFor(relay)
	if needsCredentialRetry(resp, creds) {
		delete(a.pendingAllocs, resp.TransactionID)
		a.RequestAllocation(relay)
	}
}

func (a *Agent) handleBindingRequest(from *net.UDPAddr, req *stun.Message) {
	resp, err := buildBindingResponse(req, from, a.local.Password)
	if err != nil {
		return
	}
	a.transmits = append(a.transmits, Transmit{Dst: from, Payload: resp.Raw})

	if !a.isKnownRemote(from) {
		cand := PeerReflexiveCandidate(from)
		a.remoteCandidates = append(a.remoteCandidates, cand)
		a.events = append(a.events, Event{Kind: EventDiscoveredRecv, Source: from})
		a.formPairs()
	}

	if _, hasUseCandidate := readAttr(req, stunAttrUseCandidate); hasUseCandidate {
		a.nominate(from)
	}
}

func (a *Agent) isKnownRemote(addr *net.UDPAddr) bool {
	for _, c := range a.remoteCandidates {
		if udpAddrEqual(c.Addr, addr) {
			return true
		}
	}
	return false
}

func (a *Agent) handleBindingSuccess(from *net.UDPAddr, resp *stun.Message) {
	if srv, ok := a.stunTxToSrvr[resp.TransactionID]; ok {
		delete(a.stunTxToSrvr, resp.TransactionID)
		if mapped, ok := xorMappedAddress(resp); ok {
			if a.AddLocalCandidate(ServerReflexiveCandidate(mapped)) {
				a.events = append(a.events, Event{Kind: EventDiscoveredRecv, Source: srv})
			}
		}
		return
	}

	check, ok := a.checks[resp.TransactionID]
	if !ok {
		return
	}
	// A controlled agent keeps its succeeded check on record until the
	// controlling side's USE-CANDIDATE check arrives, so HandleTimeout does
	// not count the pair as failed while it waits.
	if !a.controlling {
		return
	}
	delete(a.checks, resp.TransactionID)

	// Simplified nomination: the controlling agent nominates the first
	// pair whose connectivity check succeeds, rather than running the
	// full RFC 8445 priority/frozen-pair scheduling algorithm. Documented
	// as a deliberate scope reduction.
	if a.remoteSocket == nil {
		a.nominateWith(check.local, check.peer)

		// Repeat the check on the nominated pair with USE-CANDIDATE set,
		// so the controlled agent nominates the same pair.
		req, err := stun.Build(stun.BindingRequest, stunTransactionID(newTransactionID()),
			stun.Username(a.remote.Ufrag+":"+a.local.Ufrag))
		if err != nil {
			return
		}
		req.Add(stunAttrUseCandidate, nil)
		if stun.NewShortTermIntegrity(a.remote.Password).AddTo(req) == nil && stun.Fingerprint.AddTo(req) == nil {
			a.transmits = append(a.transmits, Transmit{Dst: check.peer.Addr, Payload: req.Raw})
		}
	}
}

func (a *Agent) handleBindingError(from *net.UDPAddr, resp *stun.Message) {
	// An error response ends that connectivity check: the pair is not
	// checked again, and once no checks remain and every pair has been
	// tried without a nomination, HandleTimeout reports ConnectionFailed.
	if _, ok := a.checks[resp.TransactionID]; ok {
		delete(a.checks, resp.TransactionID)
	}
}

func (a *Agent) nominate(from *net.UDPAddr) {
	for _, local := range a.localCandidates {
		a.nominateWith(local, PeerReflexiveCandidate(from))
		return
	}
}

func (a *Agent) nominateWith(local, remote Candidate) {
	a.remoteSocket = remote.Addr
	a.state = StateConnected
	a.events = append(a.events,
		Event{Kind: EventNominatedSend, Source: local.Addr, Destination: remote.Addr},
		Event{Kind: EventConnectionStateChange, State: StateConnected},
	)
}

// RemoteSocket returns the nominated remote address, if any.
func (a *Agent) RemoteSocket() (*net.UDPAddr, bool) {
	return a.remoteSocket, a.remoteSocket != nil
}

// HandleTimeout drives periodic STUN server-reflexive refresh,
// channel-binding refresh, and connection-failure detection once every
// candidate pair has been tried without success. It does not resend
// connectivity checks.
func (a *Agent) HandleTimeout(now time.Time) {
	for _, srv := range a.stunServers {
		key := srv.String()
		if last, ok := a.stunLastSent[key]; ok && now.Sub(last) < stunRefreshInterval {
			continue
		}
		a.stunLastSent[key] = now
		txID := newTransactionID()
		req, err := buildBindingRequest(txID, "", "")
		if err != nil {
			continue
		}
		a.stunTxToSrvr[txID] = srv
		a.transmits = append(a.transmits, Transmit{Dst: srv, Payload: req.Raw})
	}

	for key, last := range a.lastCheck {
		if now.Sub(last) < bindingCheckInterval {
			continue
		}
		a.lastCheck[key] = now
	}

	for _, binding := range a.channelBindings {
		if binding.needsRefresh(now) {
			a.refreshChannelBinding(binding, now)
		}
	}

	if a.remoteSocket == nil && a.state == StateChecking && len(a.checks) == 0 &&
		len(a.localCandidates) > 0 && len(a.remoteCandidates) > 0 {
		allPairsTried := len(a.lastCheck) >= len(a.localCandidates)*len(a.remoteCandidates)
		if allPairsTried {
			a.state = StateFailed
			a.events = append(a.events, Event{Kind: EventConnectionFailed})
		}
	}
}

// AddBinding requests a TURN channel binding for peer through relay,
// allocating the next sequential channel number starting at 0x4000.
func (a *Agent) AddBinding(relay, peer *net.UDPAddr, now time.Time) *ChannelBinding {
	key := peer.String()
	if existing, ok := a.channelBindings[key]; ok {
		return existing
	}

	creds := a.turnCredsFor(relay)

	channel := a.nextChannel
	a.nextChannel++

	binding := &ChannelBinding{Channel: channel, Peer: peer, Relay: relay}
	a.channelBindings[key] = binding
	a.sendChannelBind(binding, *creds, now)
	return binding
}

func (a *Agent) sendChannelBind(binding *ChannelBinding, creds turnCredentials, now time.Time) {
	txID := newTransactionID()
	req, err := buildChannelBindRequest(txID, binding.Channel, binding.Peer, creds)
	if err != nil {
		return
	}
	binding.boundAt = now
	a.transmits = append(a.transmits, Transmit{Dst: binding.Relay, Payload: req.Raw})
}

func (a *Agent) refreshChannelBinding(binding *ChannelBinding, now time.Time) {
	creds := a.turnCredsFor(binding.Relay)
	a.sendChannelBind(binding, *creds, now)
}

// ChannelBindingFor returns the channel binding previously allocated for
// peer, if any.
func (a *Agent) ChannelBindingFor(peer *net.UDPAddr) (*ChannelBinding, bool) {
	b, ok := a.channelBindings[peer.String()]
	return b, ok
}

// ChannelBindingByNumber finds the binding with the given channel number,
// for demultiplexing inbound channel-data by its 2-byte channel prefix.
func (a *Agent) ChannelBindingByNumber(channel uint16) (*ChannelBinding, bool) {
	for _, b := range a.channelBindings {
		if b.Channel == channel {
			return b, true
		}
	}
	return nil, false
}

// TURNServers returns the configured TURN relay addresses.
func (a *Agent) TURNServers() []*net.UDPAddr { return a.turnServers }

// stunAttrUseCandidate is the ICE USE-CANDIDATE attribute (RFC 8445 §16.1),
// a zero-length flag attribute not defined by pion/stun.
const stunAttrUseCandidate stun.AttrType = 0x0025
