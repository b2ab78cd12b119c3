// Package bus carries challenge and response traffic over the block-store
// daemon's pub/sub endpoint: one global topic, best-effort and unordered
// delivery, authenticated envelopes, and seqno-based deduplication.
package bus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dhenz14/hivepoa/crypto"
)

// envelope wraps a message with an optional signature. __signature and
// __signerUsername are attached only when the publisher holds a posting
// key. The bus accepts unsigned envelopes unconditionally; it has no
// setting that rejects them.
type envelope struct {
	Signature      string          `json:"__signature,omitempty"`
	SignerUsername string          `json:"__signerUsername,omitempty"`
	Body           json.RawMessage `json:"-"`
}

// canonicalize produces the byte form a message is signed over: its JSON
// fields, sorted lexically by key, so two implementations that build the
// same logical message in a different struct-literal order still agree on
// what was signed.
func canonicalize(body json.RawMessage) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("bus: canonicalize: %w", err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(m))
	for _, k := range keys {
		ordered[k] = m[k]
	}
	return json.Marshal(ordered)
}

// encodeSigned marshals msg, optionally signing it with priv under
// signerUsername, and returns the final bytes to publish.
func encodeSigned(msg interface{}, signerUsername string, priv crypto.PrivateKey) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal message: %w", err)
	}
	if priv == nil {
		return body, nil
	}
	canon, err := canonicalize(body)
	if err != nil {
		return nil, err
	}
	sig := crypto.Sign(priv, canon)

	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("bus: decode message for signing envelope: %w", err)
	}
	fields["__signature"] = sig
	fields["__signerUsername"] = signerUsername
	return json.Marshal(fields)
}

// decodedEnvelope is the result of parsing a raw pub/sub payload.
type decodedEnvelope struct {
	Body           json.RawMessage
	Signed         bool
	Signature      string
	SignerUsername string
}

func decodeEnvelope(raw []byte) (decodedEnvelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return decodedEnvelope{}, fmt.Errorf("bus: decode envelope: %w", err)
	}
	var sig, signer string
	if v, ok := fields["__signature"]; ok {
		_ = json.Unmarshal(v, &sig)
		delete(fields, "__signature")
	}
	if v, ok := fields["__signerUsername"]; ok {
		_ = json.Unmarshal(v, &signer)
		delete(fields, "__signerUsername")
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return decodedEnvelope{}, fmt.Errorf("bus: re-marshal envelope body: %w", err)
	}
	return decodedEnvelope{Body: body, Signed: sig != "", Signature: sig, SignerUsername: signer}, nil
}

// verifySignature checks that a decoded envelope's signature matches pub.
func verifySignature(env decodedEnvelope, pub crypto.PublicKey) bool {
	canon, err := canonicalize(env.Body)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, canon, env.Signature) == nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
