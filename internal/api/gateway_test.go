package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/calls"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"github.com/Tajbir23/quick-meet-sub002/internal/events"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wsIP = "127.0.0.1"

var testFingerprint = "sha-256 " + strings.Repeat("AB:", 31) + "AB"

func testSDP(setup string) string {
	lines := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=ice-ufrag:EsAw",
		"a=ice-pwd:P2uYro0UCOQ4zxjKXaWCBui1",
		"a=fingerprint:" + testFingerprint,
		"a=setup:" + setup,
		"a=mid:0",
		"a=sendrecv",
		"a=rtpmap:111 opus/48000/2",
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

type inbound struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type wsClient struct {
	t          *testing.T
	env        *testEnv
	conn       *websocket.Conn
	identity   string
	token      string
	sessionKey []byte
	seq        int
}

func startServer(t *testing.T, e *testEnv) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(e.server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dialToken(srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	return dialWithKey(srv, token, "")
}

func dialWithKey(srv *httptest.Server, token, publicKey string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?token=" + token
	header := http.Header{}
	if publicKey != "" {
		header.Set(SessionKeyHeader, publicKey)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

// connect logs identity in, dials with a fresh X25519 offer and derives the
// connection's signing key from the server key in the connected frame.
func (e *testEnv) connect(t *testing.T, srv *httptest.Server, identity string) *wsClient {
	t.Helper()
	res := e.login(t, identity)

	local, err := e.keys.GenerateEphemeralKey()
	require.NoError(t, err)
	defer local.Wipe()

	conn, _, err := dialWithKey(srv, res.Token, local.PublicBase64())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, env: e, conn: conn, identity: identity, token: res.Token}
	hello := c.expect(TypeConnected)
	require.Equal(t, identity, hello["identity"])

	serverKey, ok := hello["serverKey"].(string)
	require.True(t, ok, "connected frame carries no server key")
	remote, err := base64.RawURLEncoding.DecodeString(serverKey)
	require.NoError(t, err)
	c.sessionKey, err = e.keys.DeriveSharedSecret(local.Private, remote)
	require.NoError(t, err)
	return c
}

func (c *wsClient) next() (inbound, error) {
	var msg inbound
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(raw, &msg)
	return msg, err
}

// expect reads until a message of the given type arrives and returns its data.
func (c *wsClient) expect(kind string) map[string]any {
	c.t.Helper()
	var seen []string
	for {
		msg, err := c.next()
		require.NoError(c.t, err, "waiting for %q, saw %v", kind, seen)
		if msg.Type == kind {
			return msg.Data
		}
		seen = append(seen, msg.Type)
	}
}

// expectClose reads until the server closes the connection and returns the
// close code.
func (c *wsClient) expectClose() int {
	c.t.Helper()
	for {
		_, err := c.next()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(c.t, err, &closeErr)
		return closeErr.Code
	}
}

func (c *wsClient) frame(name events.Name, payload any, signed bool) events.Frame {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)

	c.seq++
	f := events.Frame{
		Event: name,
		Envelope: events.Envelope{
			Token:     c.token,
			Nonce:     fmt.Sprintf("%s-%d-%d", c.identity, c.seq, time.Now().UnixNano()),
			Timestamp: time.Now().UnixMilli(),
		},
		Payload: raw,
	}
	if signed {
		sig, err := crypto.SignWithKey(c.sessionKey, events.SigningContent(f), c.identity)
		require.NoError(c.t, err)
		f.Envelope.Signature = sig
	}
	return f
}

func (c *wsClient) write(f events.Frame) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(f))
}

func (c *wsClient) send(name events.Name, payload any, signed bool) events.Frame {
	c.t.Helper()
	f := c.frame(name, payload, signed)
	c.write(f)
	return f
}

func TestGateway_RejectsUnauthenticatedUpgrade(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)

	_, resp, err := dialToken(srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialToken(srv, "forged.token.value")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_RejectsBannedIP(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	res := e.login(t, "alice")

	e.detector.BanIP(wsIP, time.Hour, "test")

	_, resp, err := dialToken(srv, res.Token)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateway_MessagesAndTyping(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	alice := e.connect(t, srv, "alice")
	bob := e.connect(t, srv, "bob")

	assert.Equal(t, 2, e.gateway.Connections())
	assert.True(t, e.gateway.Online("bob"))

	alice.send(events.TypingName, events.Typing{To: "bob", Active: true}, false)
	typing := bob.expect(TypeTyping)
	assert.Equal(t, "alice", typing["from"])
	assert.Equal(t, true, typing["active"])

	msg := alice.send(events.MessageSendName, events.MessageSend{To: "bob", Content: "hello", ClientID: "m1"}, true)
	received := bob.expect(TypeMessageNew)
	assert.Equal(t, "alice", received["from"])
	assert.Equal(t, "hello", received["content"])

	sent := alice.expect(TypeMessageSent)
	assert.Equal(t, "m1", sent["clientId"])
	assert.EqualValues(t, 1, sent["delivered"])

	// replaying the exact frame is caught by the nonce check
	alice.write(msg)
	violation := alice.expect(events.NotifyViolation)
	assert.Equal(t, string(events.MessageSendName), violation["event"])
	assert.Len(t, e.rec.Events("guard_violation"), 1)
}

func TestGateway_CriticalEventRequiresToken(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	alice := e.connect(t, srv, "alice")
	bob := e.connect(t, srv, "bob")

	f := alice.frame(events.MessageSendName, events.MessageSend{To: "bob", Content: "hi"}, true)
	f.Envelope.Token = bob.token
	alice.write(f)

	alice.expect(events.NotifyReauthRequired)
}

func TestGateway_InvalidFrames(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	alice := e.connect(t, srv, "alice")

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	data := alice.expect(events.NotifyError)
	assert.Equal(t, "invalid frame", data["error"])

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"call:teleport"}`)))
	data = alice.expect(events.NotifyError)
	assert.Equal(t, "unknown event", data["error"])

	require.NoError(t, alice.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	data = alice.expect(events.NotifyError)
	assert.Equal(t, "text frames only", data["error"])
}

func TestGateway_CallFlow(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	alice := e.connect(t, srv, "alice")
	bob := e.connect(t, srv, "bob")

	grant, err := e.calls.IssueToken("alice", "bob", calls.KindVideo)
	require.NoError(t, err)
	sid := grant.SessionID

	alice.send(events.CallVerifyName, events.CallVerify{SessionID: sid, Role: "caller"}, true)
	verified := alice.expect(TypeCallVerified)
	assert.Equal(t, false, verified["mutual"])

	alice.send(events.CallOfferName, events.CallOffer{
		To:        "bob",
		CallToken: grant.Token,
		SessionID: sid,
		Kind:      "video",
		SDP:       webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("actpass")},
	}, true)
	offer := bob.expect(TypeCallOffer)
	assert.Equal(t, "alice", offer["from"])
	assert.Equal(t, sid, offer["sessionId"])
	assert.EqualValues(t, 1, alice.expect(TypeCallOfferSent)["delivered"])

	answer := events.CallAnswer{
		To:        "alice",
		SessionID: sid,
		SDP:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP("active")},
	}

	// no media negotiation before both parties verified
	bob.send(events.CallAnswerName, answer, true)
	rejected := bob.expect(events.NotifyError)
	assert.Equal(t, errNotVerified.Error(), rejected["error"])

	bob.send(events.CallVerifyName, events.CallVerify{SessionID: sid, Role: "callee"}, true)
	verified = bob.expect(TypeCallVerified)
	assert.Equal(t, true, verified["mutual"])
	require.True(t, e.calls.IsMutuallyVerified(sid))

	bob.send(events.CallAnswerName, answer, true)
	answered := alice.expect(TypeCallAnswer)
	assert.Equal(t, "bob", answered["from"])

	mid := "0"
	alice.send(events.ICECandidateName, events.ICECandidate{
		To:        "bob",
		SessionID: sid,
		Candidate: webrtc.ICECandidateInit{
			Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host",
			SDPMid:    &mid,
		},
	}, false)
	cand := bob.expect(TypeICECandidate)
	assert.Equal(t, "alice", cand["from"])

	alice.send(events.CallEndName, events.CallEnd{To: "bob", SessionID: sid, Reason: "hangup"}, false)
	ended := bob.expect(TypeCallEnd)
	assert.Equal(t, "hangup", ended["reason"])

	_, ok := e.calls.Session(sid)
	assert.False(t, ok)
}

func TestGateway_OfferToOfflineRecipient(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	alice := e.connect(t, srv, "alice")

	grant, err := e.calls.IssueToken("alice", "bob", calls.KindAudio)
	require.NoError(t, err)

	alice.send(events.CallOfferName, events.CallOffer{
		To:        "bob",
		CallToken: grant.Token,
		Kind:      "audio",
		SDP:       webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("actpass")},
	}, true)
	data := alice.expect(events.NotifyError)
	assert.Equal(t, errRecipientAway.Error(), data["error"])

	_, ok := e.calls.Session(grant.SessionID)
	assert.False(t, ok)
}

func TestGateway_StolenCallToken(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	carol := e.connect(t, srv, "carol")
	e.connect(t, srv, "bob")

	grant, err := e.calls.IssueToken("alice", "bob", calls.KindVideo)
	require.NoError(t, err)

	carol.send(events.CallOfferName, events.CallOffer{
		To:        "bob",
		CallToken: grant.Token,
		Kind:      "video",
		SDP:       webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP("actpass")},
	}, true)
	carol.expect(events.NotifyViolation)
	assert.GreaterOrEqual(t, e.detector.ThreatScore(wsIP), 15)

	// the rightful initiator can still use it
	_, err = e.calls.Consume(grant.Token, "alice")
	assert.NoError(t, err)
}

func TestGateway_ImpersonatedVerification(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	carol := e.connect(t, srv, "carol")

	grant, err := e.calls.IssueToken("alice", "bob", calls.KindVideo)
	require.NoError(t, err)

	carol.send(events.CallVerifyName, events.CallVerify{SessionID: grant.SessionID, Role: "callee"}, true)
	carol.expect(events.NotifyViolation)

	session, ok := e.calls.Session(grant.SessionID)
	require.True(t, ok)
	assert.False(t, session.ResponderVerified)
	assert.GreaterOrEqual(t, e.detector.ThreatScore(wsIP), 15)
}

func TestGateway_DisconnectAfterViolations(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	mallory := e.connect(t, srv, "carol")

	for i := 0; i < 10; i++ {
		f := mallory.frame(events.MessageSendName, events.MessageSend{To: "bob", Content: "spam"}, false)
		f.Envelope.Signature = "deadbeef"
		mallory.write(f)
	}

	mallory.expect(events.NotifyDisconnected)
	assert.Equal(t, websocket.ClosePolicyViolation, mallory.expectClose())
	assert.Eventually(t, func() bool { return e.gateway.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, e.rec.Events("connection_terminated"), 1)
}

func TestGateway_LogoutDisconnects(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	alice := e.connect(t, srv, "alice")

	rr, _ := e.request(t, http.MethodPost, "/api/v1/auth/logout", alice.token, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	data := alice.expect(events.NotifyDisconnected)
	assert.Equal(t, "logged out", data["reason"])
	assert.Equal(t, websocket.ClosePolicyViolation, alice.expectClose())
}

func TestGateway_Close(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := startServer(t, e)
	alice := e.connect(t, srv, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.gateway.Close(ctx))

	assert.Equal(t, websocket.CloseGoingAway, alice.expectClose())
	assert.Equal(t, 0, e.gateway.Connections())

	res := e.login(t, "bob")
	_, resp, err := dialToken(srv, res.Token)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_HardenedSigningFlow(t *testing.T) {
	e := newHardenedTestEnv(t)
	srv := startServer(t, e)

	// no key offer, no connection
	res := e.login(t, "carol")
	_, resp, err := dialToken(srv, res.Token)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = dialWithKey(srv, res.Token, "not-a-key")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, e.rec.Events("session_key_rejected"), 2)

	alice := e.connect(t, srv, "alice")
	bob := e.connect(t, srv, "bob")

	alice.send(events.MessageSendName, events.MessageSend{To: "bob", Content: "signed", ClientID: "m1"}, true)
	received := bob.expect(TypeMessageNew)
	assert.Equal(t, "signed", received["content"])
	alice.expect(TypeMessageSent)

	// unsigned is a violation once signatures are mandatory
	alice.send(events.MessageSendName, events.MessageSend{To: "bob", Content: "unsigned"}, false)
	violation := alice.expect(events.NotifyViolation)
	assert.Equal(t, "invalid_signature", violation["reason"])

	// the server signing key is not a connection key
	f := alice.frame(events.MessageSendName, events.MessageSend{To: "bob", Content: "server key"}, false)
	sig, err := e.keys.Sign(events.SigningContent(f), "alice")
	require.NoError(t, err)
	f.Envelope.Signature = sig
	alice.write(f)
	violation = alice.expect(events.NotifyViolation)
	assert.Equal(t, "invalid_signature", violation["reason"])

	// another connection's key does not verify either
	f = alice.frame(events.MessageSendName, events.MessageSend{To: "bob", Content: "borrowed"}, false)
	f.Envelope.Signature, err = crypto.SignWithKey(bob.sessionKey, events.SigningContent(f), "alice")
	require.NoError(t, err)
	alice.write(f)
	alice.expect(events.NotifyViolation)

	alice.send(events.MessageSendName, events.MessageSend{To: "bob", Content: "still fine", ClientID: "m2"}, true)
	assert.Equal(t, "still fine", bob.expect(TypeMessageNew)["content"])
}
