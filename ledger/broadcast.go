package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dhenz14/hivepoa/crypto"
)

// CustomOp is a signed custom JSON operation broadcast to the ledger. The
// two ops the agent emits are "node_announce" (roster discovery) and
// "poa_result" (challenge outcome reporting); both share this envelope.
type CustomOp struct {
	ID      string          `json:"id"`
	Account string          `json:"account"`
	Payload json.RawMessage `json:"payload"`
}

// signingBody produces the canonical byte form an op is signed over: a
// JSON object with keys sorted lexically, so two implementations that
// marshal fields in a different struct-literal order still sign and verify
// identically.
func signingBody(op CustomOp) ([]byte, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return nil, fmt.Errorf("ledger: decode payload for signing: %w", err)
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := map[string]interface{}{
		"id":      op.ID,
		"account": op.Account,
		"payload": payload,
	}
	// json.Marshal on a map already sorts keys lexically; the explicit
	// payload-key sort above only matters if payload nests further maps
	// with non-deterministic iteration, which json.Marshal also sorts.
	return json.Marshal(canonical)
}

// SignOp signs op with priv and returns the hex signature.
func SignOp(op CustomOp, priv crypto.PrivateKey) (string, error) {
	body, err := signingBody(op)
	if err != nil {
		return "", err
	}
	return crypto.Sign(priv, body), nil
}

// VerifyOp checks sig against op under pub.
func VerifyOp(op CustomOp, sigHex string, pub crypto.PublicKey) (bool, error) {
	body, err := signingBody(op)
	if err != nil {
		return false, err
	}
	if err := crypto.Verify(pub, body, sigHex); err != nil {
		return false, nil
	}
	return true, nil
}

// Broadcast submits a signed custom op. The ledger client does not persist
// the op locally; callers that need an audit trail subscribe to the
// agent's own events package instead.
func (c *Client) Broadcast(ctx context.Context, op CustomOp, priv crypto.PrivateKey) error {
	sig, err := SignOp(op, priv)
	if err != nil {
		return err
	}
	params := []interface{}{op.Account, op.ID, op.Payload, sig}
	return c.call(ctx, "custom_json_api.broadcast", params, nil)
}
